package queuenames

const (
	ChannelCrawl = "channel_crawl"
)

var Priority = []string{
	ChannelCrawl,
}
