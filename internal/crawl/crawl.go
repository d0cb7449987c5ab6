// Package crawl drives the breadth-first expansion from a target
// channel to its collaboration graph: fetch the target's uploads,
// resolve every referenced channel, fetch those channels' uploads, and
// assemble pairwise collaboration records from the full video set.
package crawl

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"fknsrs.biz/p/sixdegrees/internal/ctxlogger"
	"fknsrs.biz/p/sixdegrees/internal/extract"
	"fknsrs.biz/p/sixdegrees/internal/resolve"
	"fknsrs.biz/p/sixdegrees/internal/store"
	"fknsrs.biz/p/sixdegrees/internal/ytapi"
	"fknsrs.biz/p/sixdegrees/models"
)

// UploadsAPI is the slice of the platform client the crawler itself
// needs; everything else goes through the resolver.
type UploadsAPI interface {
	EachPlaylistItem(ctx context.Context, playlistID string, fn func(item ytapi.PlaylistItem) (bool, error)) error
}

type Crawler struct {
	store           *store.Store
	resolver        *resolve.Resolver
	api             UploadsAPI
	links           extract.LinkResolver
	fetchWorkers    int
	assembleWorkers int
}

func New(s *store.Store, r *resolve.Resolver, api UploadsAPI, links extract.LinkResolver, fetchWorkers, assembleWorkers int) *Crawler {
	if fetchWorkers <= 0 {
		fetchWorkers = 8
	}
	if assembleWorkers <= 0 {
		assembleWorkers = 8
	}

	return &Crawler{
		store:           s,
		resolver:        r,
		api:             api,
		links:           links,
		fetchWorkers:    fetchWorkers,
		assembleWorkers: assembleWorkers,
	}
}

// Result is what a crawl hands to the rendering layer. Partial is set
// when the crawl aborted on quota exhaustion but previously-cached
// collaborations were available.
type Result struct {
	Target         *models.Channel
	Guests         []models.Channel
	Collaborations []models.Collaboration
	Partial        bool
}

// Run crawls by channel name. The name must match a search result title
// exactly; anything fuzzier is a resolve.NotFoundError, not a guess.
func (c *Crawler) Run(ctx context.Context, targetName string) (*Result, error) {
	target, err := c.resolver.TargetChannel(ctx, targetName)
	if err != nil {
		return nil, fmt.Errorf("crawl.Crawler.Run: %w", err)
	}

	return c.RunChannel(ctx, target)
}

// RunChannel crawls from an already-resolved target channel.
func (c *Crawler) RunChannel(ctx context.Context, target *models.Channel) (*Result, error) {
	l := ctxlogger.GetLogger(ctx).WithFields(logrus.Fields{
		"target_external_id": target.ExternalID,
		"target_title":       target.Title,
	})

	guests := newGuestSet()
	guests.add(target)

	result, err := c.runStates(ctx, l, target, guests)
	if err != nil {
		if resolve.IsFatal(err) {
			// quota ran dry partway; anything already cached is still
			// worth returning
			collaborations, cerr := c.store.CollaborationsAmong(ctx, guests.externalIDs())
			if cerr == nil && len(collaborations) > 0 {
				l.WithError(err).Warn("crawl aborted, returning cached partial results")

				return &Result{
					Target:         target,
					Guests:         guests.channels(),
					Collaborations: collaborations,
					Partial:        true,
				}, nil
			}
		}

		return nil, fmt.Errorf("crawl.Crawler.RunChannel: %w", err)
	}

	return result, nil
}

func (c *Crawler) runStates(ctx context.Context, l logrus.FieldLogger, target *models.Channel, guests *guestSet) (*Result, error) {
	l.Info("crawl: expanding guests")

	targetUploads, err := c.fetchUploads(ctx, target, target.ExternalID)
	if err != nil {
		return nil, err
	}

	for i := range targetUploads {
		if err := c.expandGuests(ctx, target, &targetUploads[i], guests); err != nil {
			return nil, err
		}
	}

	l.WithField("guests", len(guests.externalIDs())).Info("crawl: fetching uploads for all guests")

	videos, err := c.fetchAllUploads(ctx, target, guests)
	if err != nil {
		return nil, err
	}

	l.WithField("videos", len(videos)).Info("crawl: assembling collaborations")

	if err := c.assembleAll(ctx, target, guests, videos); err != nil {
		return nil, err
	}

	if err := c.store.MarkChannelProcessed(ctx, target.ExternalID); err != nil {
		return nil, err
	}

	if err := c.store.RecordCrawl(ctx, target.ExternalID); err != nil {
		return nil, err
	}

	collaborations, err := c.store.CollaborationsAmong(ctx, guests.externalIDs())
	if err != nil {
		return nil, err
	}

	l.WithField("collaborations", len(collaborations)).Info("crawl: done")

	return &Result{
		Target:         target,
		Guests:         guests.channels(),
		Collaborations: collaborations,
	}, nil
}

// fetchUploads pulls a channel's uploads into the video cache,
// paginating only as far as the most recent previously-cached video,
// then returns the videos still unprocessed for the given target.
func (c *Crawler) fetchUploads(ctx context.Context, channel *models.Channel, targetExternalID string) ([]models.Video, error) {
	if channel.UploadsPlaylistID == "" {
		return nil, fmt.Errorf("crawl.Crawler.fetchUploads: channel %q has no uploads playlist", channel.ExternalID)
	}

	latest, err := c.store.LatestVideoForChannel(ctx, channel.ExternalID)
	if err != nil {
		return nil, err
	}

	err = c.api.EachPlaylistItem(ctx, channel.UploadsPlaylistID, func(item ytapi.PlaylistItem) (bool, error) {
		if latest != nil && item.VideoID == latest.ExternalID {
			return true, nil
		}

		created, err := c.store.CreateVideo(ctx, &models.Video{
			ExternalID:        item.VideoID,
			ChannelExternalID: item.ChannelID,
			Title:             item.Title,
			Description:       item.Description,
			ThumbnailURL:      item.ThumbnailURL,
			PublishedAt:       item.PublishedAt,
		})
		if err != nil {
			return false, err
		}

		if !created {
			// same-day uploads can come back out of order, so a page
			// can contain a cached video that isn't the boundary
			ctxlogger.GetLogger(ctx).WithField("video_external_id", item.VideoID).Warn("tried to cache video that already exists")
		}

		return false, nil
	})
	if err != nil {
		return nil, err
	}

	if channel.Processed {
		return c.store.UnprocessedVideosForChannel(ctx, channel.ExternalID, targetExternalID)
	}

	return c.store.VideosForChannel(ctx, channel.ExternalID)
}

// expandLinks rewrites shortened links in a video's description,
// exactly once per video no matter how many crawls revisit it.
func (c *Crawler) expandLinks(ctx context.Context, video *models.Video) error {
	if video.LinksResolved {
		return nil
	}

	video.Description = extract.ExpandShortLinks(ctx, video.Description, c.links)
	video.LinksResolved = true

	return c.store.SaveVideo(ctx, video)
}

// expandGuests runs full (online) extraction and resolution over one
// video, adding every resolved channel to the guest set. A reference
// that fails to resolve is logged and skipped; only fatal conditions
// abort.
func (c *Crawler) expandGuests(ctx context.Context, target *models.Channel, video *models.Video, guests *guestSet) error {
	if err := c.expandLinks(ctx, video); err != nil {
		return err
	}

	l := ctxlogger.GetLogger(ctx).WithField("video_external_id", video.ExternalID)

	for _, id := range extract.ChannelIDs(video.Description) {
		channel, err := c.resolver.ChannelByExternalID(ctx, id, false)
		if err := guests.collect(l, "channel_id", id, channel, err); err != nil {
			return err
		}
	}

	for _, username := range extract.Usernames(video.Description) {
		channel, err := c.resolver.ChannelByUsername(ctx, username, false)
		if err := guests.collect(l, "username", username, channel, err); err != nil {
			return err
		}
	}

	for _, slug := range extract.URLSlugs(video.Description) {
		channel, err := c.resolver.ChannelByURLSlug(ctx, slug, false)
		if err := guests.collect(l, "url_slug", slug, channel, err); err != nil {
			return err
		}
	}

	for _, videoID := range extract.VideoIDs(video.Description) {
		linked, err := c.resolver.VideoByExternalID(ctx, videoID, false)
		if err != nil || linked == nil {
			if err := guests.collect(l, "video_id", videoID, nil, err); err != nil {
				return err
			}
			continue
		}

		channel, err := c.resolver.ChannelByExternalID(ctx, linked.ChannelExternalID, false)
		if err := guests.collect(l, "video_id", videoID, channel, err); err != nil {
			return err
		}
	}

	for _, tag := range extract.TaggedTitles(video.Title) {
		channel, err := c.resolver.ChannelByTitleFragment(ctx, tag, false)
		if err := guests.collect(l, "title_tag", tag, channel, err); err != nil {
			return err
		}
	}

	return nil
}

// fetchAllUploads fans the per-guest upload fetch out over a bounded
// worker pool. One guest's failure is logged and skipped; a fatal
// platform condition stops new work but lets in-flight fetches finish.
func (c *Crawler) fetchAllUploads(ctx context.Context, target *models.Channel, guests *guestSet) ([]models.Video, error) {
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	work := make(chan *models.Channel)
	var wg sync.WaitGroup

	var mu sync.Mutex
	var videos []models.Video
	var fatal error

	for i := 0; i < c.fetchWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for channel := range work {
				fetched, err := c.fetchUploads(workCtx, channel, target.ExternalID)
				if err != nil {
					if resolve.IsFatal(err) {
						mu.Lock()
						if fatal == nil {
							fatal = err
						}
						mu.Unlock()
						cancel()
						return
					}

					ctxlogger.GetLogger(ctx).WithError(err).WithField("channel_external_id", channel.ExternalID).Warn("could not fetch uploads for guest channel")
					continue
				}

				mu.Lock()
				videos = append(videos, fetched...)
				mu.Unlock()
			}
		}()
	}

	channels := guests.channels()

loop:
	for i := range channels {
		if channels[i].ExternalID == target.ExternalID {
			continue
		}

		select {
		case work <- &channels[i]:
		case <-workCtx.Done():
			break loop
		}
	}
	close(work)

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()

	if fatal != nil {
		return nil, fatal
	}

	// target uploads were fetched during guest expansion; pick up
	// whatever is still unprocessed for this crawl
	targetVideos, err := c.store.UnprocessedVideosForChannel(ctx, target.ExternalID, target.ExternalID)
	if err != nil {
		return nil, err
	}

	return append(videos, targetVideos...), nil
}

// assembleAll fans collaboration assembly out over a bounded worker
// pool consuming a shared video queue. Assembly is cache-only; dedup
// happens at the insert, so workers don't coordinate beyond the store.
func (c *Crawler) assembleAll(ctx context.Context, target *models.Channel, guests *guestSet, videos []models.Video) error {
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	work := make(chan *models.Video)
	var wg sync.WaitGroup

	var mu sync.Mutex
	var fatal error

	for i := 0; i < c.assembleWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for video := range work {
				if err := c.assembleOne(ctx, target, guests, video); err != nil {
					mu.Lock()
					if fatal == nil {
						fatal = err
					}
					mu.Unlock()
					cancel()
					return
				}
			}
		}()
	}

loop:
	for i := range videos {
		select {
		case work <- &videos[i]:
		case <-workCtx.Done():
			break loop
		}
	}
	close(work)

	wg.Wait()

	return fatal
}

// assembleOne emits collaboration records for one video: the host is
// the uploading channel, the guests are every cache-only-resolvable
// reference in the video. Self references and already-recorded pairs
// are skipped.
func (c *Crawler) assembleOne(ctx context.Context, target *models.Channel, guests *guestSet, video *models.Video) error {
	if video.ProcessedForChannel(target.ExternalID) {
		return nil
	}

	host, err := c.resolver.ChannelByExternalID(ctx, video.ChannelExternalID, true)
	if err != nil {
		return err
	}
	if host == nil {
		return nil
	}

	l := ctxlogger.GetLogger(ctx).WithField("video_external_id", video.ExternalID)

	candidates := newGuestSet()

	for _, id := range extract.ChannelIDs(video.Description) {
		channel, err := c.resolver.ChannelByExternalID(ctx, id, true)
		if err := candidates.collect(l, "channel_id", id, channel, err); err != nil {
			return err
		}
	}

	for _, username := range extract.Usernames(video.Description) {
		channel, err := c.resolver.ChannelByUsername(ctx, username, true)
		if err := candidates.collect(l, "username", username, channel, err); err != nil {
			return err
		}
	}

	for _, slug := range extract.URLSlugs(video.Description) {
		channel, err := c.resolver.ChannelByURLSlug(ctx, slug, true)
		if err := candidates.collect(l, "url_slug", slug, channel, err); err != nil {
			return err
		}
	}

	for _, videoID := range extract.VideoIDs(video.Description) {
		linked, err := c.resolver.VideoByExternalID(ctx, videoID, true)
		if err != nil || linked == nil {
			if err := candidates.collect(l, "video_id", videoID, nil, err); err != nil {
				return err
			}
			continue
		}

		channel, err := c.resolver.ChannelByExternalID(ctx, linked.ChannelExternalID, true)
		if err := candidates.collect(l, "video_id", videoID, channel, err); err != nil {
			return err
		}
	}

	for _, tag := range extract.TaggedTitles(video.Title) {
		channel, err := c.resolver.ChannelByTitleFragment(ctx, tag, true)
		if err := candidates.collect(l, "title_tag", tag, channel, err); err != nil {
			return err
		}
	}

	for _, guest := range candidates.channels() {
		// only pair within the crawl's guest set; an unrelated channel
		// mentioned once is not a collaborator
		if !guests.has(guest.ExternalID) {
			continue
		}

		if _, err := c.store.AddCollaboration(ctx, host.ExternalID, guest.ExternalID, video.ExternalID); err != nil {
			return err
		}
	}

	return c.store.MarkVideoProcessedFor(ctx, video.ExternalID, target.ExternalID)
}

// guestSet is the set of distinct resolved channels discovered during a
// crawl. It tolerates concurrent access from pool workers.
type guestSet struct {
	mu sync.Mutex
	m  map[string]models.Channel
	a  []string
}

func newGuestSet() *guestSet {
	return &guestSet{m: make(map[string]models.Channel)}
}

func (g *guestSet) add(channel *models.Channel) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.m[channel.ExternalID]; ok {
		return
	}

	g.m[channel.ExternalID] = *channel
	g.a = append(g.a, channel.ExternalID)
}

func (g *guestSet) has(externalID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, ok := g.m[externalID]
	return ok
}

func (g *guestSet) externalIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	return append([]string(nil), g.a...)
}

func (g *guestSet) channels() []models.Channel {
	g.mu.Lock()
	defer g.mu.Unlock()

	a := make([]models.Channel, 0, len(g.a))
	for _, id := range g.a {
		a = append(a, g.m[id])
	}

	return a
}

// collect folds one resolution outcome into the set: fatal errors
// propagate, per-reference failures are logged and dropped, nil
// channels (soft misses) are ignored.
func (g *guestSet) collect(l logrus.FieldLogger, kind, value string, channel *models.Channel, err error) error {
	if err != nil {
		if resolve.IsFatal(err) {
			return err
		}

		l.WithError(err).WithFields(logrus.Fields{
			"reference_kind":  kind,
			"reference_value": value,
		}).Warn("could not resolve reference")

		return nil
	}

	if channel != nil {
		g.add(channel)
	}

	return nil
}
