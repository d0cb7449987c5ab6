package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"fknsrs.biz/p/sorm"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"

	"fknsrs.biz/p/sixdegrees/internal/ptr"
	"fknsrs.biz/p/sixdegrees/internal/schema"
	"fknsrs.biz/p/sixdegrees/models"
)

func init() {
	sorm.SetParameterPrefix("?")
}

func openTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	if err := schema.Apply(context.Background(), db); err != nil {
		t.Fatal(err)
	}

	return New(db)
}

func TestUpsertChannel(t *testing.T) {
	a := assert.New(t)
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.UpsertChannel(ctx, &models.Channel{
		ExternalID:        "UC1",
		Title:             "Halocene",
		UploadsPlaylistID: "UU1",
		CustomURL:         ptr.String("Halocene"),
	})
	a.NoError(err)
	if a.NotNil(created) {
		a.NotZero(created.ID)
		if a.NotNil(created.CustomURL) {
			a.Equal("halocene", *created.CustomURL)
		}
	}

	// second upsert returns the stored row, not a new one
	again, err := s.UpsertChannel(ctx, &models.Channel{ExternalID: "UC1", Title: "Halocene Renamed"})
	a.NoError(err)
	if a.NotNil(again) {
		a.Equal(created.ID, again.ID)
		a.Equal("Halocene", again.Title)
	}

	// lookups converge on the same row
	byURL, err := s.ChannelByCustomURL(ctx, "HALOCENE")
	a.NoError(err)
	if a.NotNil(byURL) {
		a.Equal(created.ID, byURL.ID)
	}

	byTitle, err := s.ChannelByTitle(ctx, "Halocene")
	a.NoError(err)
	a.NotNil(byTitle)

	missing, err := s.ChannelByExternalID(ctx, "UC404")
	a.NoError(err)
	a.Nil(missing)
}

func TestUpsertChannelUsernameMerge(t *testing.T) {
	a := assert.New(t)
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertChannel(ctx, &models.Channel{ExternalID: "UC1", Title: "Halocene"})
	a.NoError(err)

	// a username discovered later merges onto the existing row
	merged, err := s.UpsertChannel(ctx, &models.Channel{ExternalID: "UC1", Title: "Halocene", Username: ptr.String("OfficialHalocene")})
	a.NoError(err)
	if a.NotNil(merged) && a.NotNil(merged.Username) {
		a.Equal("officialhalocene", *merged.Username)
	}

	// an already-set username is left alone
	kept, err := s.UpsertChannel(ctx, &models.Channel{ExternalID: "UC1", Title: "Halocene", Username: ptr.String("other")})
	a.NoError(err)
	if a.NotNil(kept) && a.NotNil(kept.Username) {
		a.Equal("officialhalocene", *kept.Username)
	}

	byUsername, err := s.ChannelByUsername(ctx, "OFFICIALHALOCENE")
	a.NoError(err)
	a.NotNil(byUsername)
}

func TestSetChannelUsername(t *testing.T) {
	a := assert.New(t)
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertChannel(ctx, &models.Channel{ExternalID: "UC1", Title: "Halocene"})
	a.NoError(err)

	channel, err := s.SetChannelUsername(ctx, "UC1", "Halocene")
	a.NoError(err)
	if a.NotNil(channel) && a.NotNil(channel.Username) {
		a.Equal("halocene", *channel.Username)
	}

	_, err = s.SetChannelUsername(ctx, "UC404", "nobody")
	a.Error(err)
}

func TestMarkChannelProcessed(t *testing.T) {
	a := assert.New(t)
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertChannel(ctx, &models.Channel{ExternalID: "UC1", Title: "Halocene"})
	a.NoError(err)

	a.NoError(s.MarkChannelProcessed(ctx, "UC1"))

	channel, err := s.ChannelByExternalID(ctx, "UC1")
	a.NoError(err)
	if a.NotNil(channel) {
		a.True(channel.Processed)
	}
}

func TestCreateVideoAndBoundary(t *testing.T) {
	a := assert.New(t)
	s := openTestStore(t)
	ctx := context.Background()

	latest, err := s.LatestVideoForChannel(ctx, "UC1")
	a.NoError(err)
	a.Nil(latest)

	for _, v := range []models.Video{
		{ExternalID: "v1", ChannelExternalID: "UC1", Title: "oldest", PublishedAt: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)},
		{ExternalID: "v2", ChannelExternalID: "UC1", Title: "newest", PublishedAt: time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)},
		{ExternalID: "v3", ChannelExternalID: "UC1", Title: "middle", PublishedAt: time.Date(2021, 2, 1, 0, 0, 0, 0, time.UTC)},
	} {
		v := v
		created, err := s.CreateVideo(ctx, &v)
		a.NoError(err)
		a.True(created)
	}

	created, err := s.CreateVideo(ctx, &models.Video{ExternalID: "v1", ChannelExternalID: "UC1", Title: "oldest again"})
	a.NoError(err)
	a.False(created)

	latest, err = s.LatestVideoForChannel(ctx, "UC1")
	a.NoError(err)
	if a.NotNil(latest) {
		a.Equal("v2", latest.ExternalID)
	}

	videos, err := s.VideosForChannel(ctx, "UC1")
	a.NoError(err)
	if a.Len(videos, 3) {
		a.Equal("v2", videos[0].ExternalID)
		a.Equal("v3", videos[1].ExternalID)
		a.Equal("v1", videos[2].ExternalID)
	}
}

func TestMarkVideoProcessedFor(t *testing.T) {
	a := assert.New(t)
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"v1", "v2"} {
		_, err := s.CreateVideo(ctx, &models.Video{ExternalID: id, ChannelExternalID: "UC1", PublishedAt: time.Now()})
		a.NoError(err)
	}

	a.NoError(s.MarkVideoProcessedFor(ctx, "v1", "UCtarget"))
	a.NoError(s.MarkVideoProcessedFor(ctx, "v1", "UCtarget"))

	video, err := s.VideoByExternalID(ctx, "v1")
	a.NoError(err)
	if a.NotNil(video) {
		a.Equal([]string{"UCtarget"}, []string(video.ProcessedFor))
		a.True(video.ProcessedForChannel("UCtarget"))
		a.False(video.ProcessedForChannel("UCother"))
	}

	unprocessed, err := s.UnprocessedVideosForChannel(ctx, "UC1", "UCtarget")
	a.NoError(err)
	if a.Len(unprocessed, 1) {
		a.Equal("v2", unprocessed[0].ExternalID)
	}

	// a different target sees everything
	unprocessed, err = s.UnprocessedVideosForChannel(ctx, "UC1", "UCother")
	a.NoError(err)
	a.Len(unprocessed, 2)
}

func TestAddCollaboration(t *testing.T) {
	a := assert.New(t)
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.AddCollaboration(ctx, "UCb", "UCa", "v1")
	a.NoError(err)
	a.True(created)

	// same pair in either order is the same collaboration
	created, err = s.AddCollaboration(ctx, "UCa", "UCb", "v1")
	a.NoError(err)
	a.False(created)

	// self pairs never record
	created, err = s.AddCollaboration(ctx, "UCa", "UCa", "v1")
	a.NoError(err)
	a.False(created)

	// a different video for the same pair is a new row
	created, err = s.AddCollaboration(ctx, "UCa", "UCb", "v2")
	a.NoError(err)
	a.True(created)

	between, err := s.CollaborationsBetween(ctx, "UCb", "UCa")
	a.NoError(err)
	if a.Len(between, 2) {
		a.Equal("UCa", between[0].ChannelAExternalID)
		a.Equal("UCb", between[0].ChannelBExternalID)
	}
}

func TestCollaborationsAmong(t *testing.T) {
	a := assert.New(t)
	s := openTestStore(t)
	ctx := context.Background()

	for _, c := range [][3]string{
		{"UCa", "UCb", "v1"},
		{"UCb", "UCc", "v2"},
		{"UCa", "UCz", "v3"},
	} {
		_, err := s.AddCollaboration(ctx, c[0], c[1], c[2])
		a.NoError(err)
	}

	among, err := s.CollaborationsAmong(ctx, []string{"UCa", "UCb", "UCc"})
	a.NoError(err)
	a.Len(among, 2)

	among, err = s.CollaborationsAmong(ctx, nil)
	a.NoError(err)
	a.Empty(among)
}

func TestURLLookup(t *testing.T) {
	a := assert.New(t)
	s := openTestStore(t)
	ctx := context.Background()

	lookup, err := s.URLLookup(ctx, "officialhalocene")
	a.NoError(err)
	a.Nil(lookup)

	a.NoError(s.PutURLLookup(ctx, "officialhalocene", "halocene", true))

	// the first resolution wins
	a.NoError(s.PutURLLookup(ctx, "officialhalocene", "something-else", false))

	lookup, err = s.URLLookup(ctx, "officialhalocene")
	a.NoError(err)
	if a.NotNil(lookup) {
		a.Equal("halocene", lookup.Resolved)
		a.True(lookup.IsUsername)
	}
}

func TestSearchResultsCache(t *testing.T) {
	a := assert.New(t)
	s := openTestStore(t)
	ctx := context.Background()

	results, err := s.SearchResults(ctx, "halocene", models.SearchKindChannel)
	a.NoError(err)
	a.Empty(results)

	a.NoError(s.PutSearchResults(ctx, "halocene", models.SearchKindChannel, []models.SearchResult{
		{ResultID: "UC1", Title: "Halocene"},
		{ResultID: "UC2", Title: "Halocene Covers"},
	}))

	// a second write for the same term is ignored
	a.NoError(s.PutSearchResults(ctx, "halocene", models.SearchKindChannel, []models.SearchResult{
		{ResultID: "UC9", Title: "Impostor"},
	}))

	results, err = s.SearchResults(ctx, "halocene", models.SearchKindChannel)
	a.NoError(err)
	if a.Len(results, 2) {
		a.Equal("UC1", results[0].ResultID)
		a.Equal(0, results[0].Position)
		a.Equal("UC2", results[1].ResultID)
		a.Equal(1, results[1].Position)
	}

	// kinds are cached independently
	results, err = s.SearchResults(ctx, "halocene", models.SearchKindVideo)
	a.NoError(err)
	a.Empty(results)
}

func TestRecordCrawl(t *testing.T) {
	a := assert.New(t)
	s := openTestStore(t)
	ctx := context.Background()

	a.NoError(s.RecordCrawl(ctx, "UC1"))
	a.NoError(s.RecordCrawl(ctx, "UC1"))
	a.NoError(s.RecordCrawl(ctx, "UC2"))

	top, err := s.TopCrawls(ctx, 10)
	a.NoError(err)
	if a.Len(top, 2) {
		a.Equal("UC1", top[0].ChannelExternalID)
		a.Equal(2, top[0].Popularity)
		a.Equal("UC2", top[1].ChannelExternalID)
		a.Equal(1, top[1].Popularity)
	}
}

func TestWritesAreCommitted(t *testing.T) {
	a := assert.New(t)
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertChannel(ctx, &models.Channel{ExternalID: "UC1", Title: "Halocene", UploadsPlaylistID: "UU1"})
	a.NoError(err)
	a.NoError(s.MarkChannelProcessed(ctx, "UC1"))

	// read outside the record helpers to prove the write transaction
	// actually committed
	var processed bool
	a.NoError(s.db.QueryRowContext(ctx, "select processed from channels where external_id = ?", "UC1").Scan(&processed))
	a.True(processed)
}

func TestUnprocessedVideosTargetPrefix(t *testing.T) {
	a := assert.New(t)
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateVideo(ctx, &models.Video{ExternalID: "v1", ChannelExternalID: "UC1", PublishedAt: time.Now()})
	a.NoError(err)

	a.NoError(s.MarkVideoProcessedFor(ctx, "v1", "UC12"))

	// "UC1" is a prefix of the recorded target, not a match
	unprocessed, err := s.UnprocessedVideosForChannel(ctx, "UC1", "UC1")
	a.NoError(err)
	a.Len(unprocessed, 1)

	unprocessed, err = s.UnprocessedVideosForChannel(ctx, "UC1", "UC12")
	a.NoError(err)
	a.Len(unprocessed, 0)
}
