package resolve

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"fknsrs.biz/p/sorm"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"

	"fknsrs.biz/p/sixdegrees/internal/schema"
	"fknsrs.biz/p/sixdegrees/internal/store"
	"fknsrs.biz/p/sixdegrees/internal/ytapi"
	"fknsrs.biz/p/sixdegrees/internal/ytscrape"
)

func init() {
	sorm.SetParameterPrefix("?")
}

type stubAPI struct {
	channelsByID       map[string]*ytapi.Channel
	channelsByUsername map[string]*ytapi.Channel
	videos             map[string]*ytapi.Video
	searches           map[string][]ytapi.SearchItem
	calls              int
	err                error
}

func (s *stubAPI) ChannelByID(ctx context.Context, id string) (*ytapi.Channel, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if c, ok := s.channelsByID[id]; ok {
		return c, nil
	}
	return nil, ytapi.ErrNoItems
}

func (s *stubAPI) ChannelByUsername(ctx context.Context, username string) (*ytapi.Channel, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if c, ok := s.channelsByUsername[username]; ok {
		return c, nil
	}
	return nil, ytapi.ErrNoItems
}

func (s *stubAPI) VideoByID(ctx context.Context, id string) (*ytapi.Video, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if v, ok := s.videos[id]; ok {
		return v, nil
	}
	return nil, ytapi.ErrNoItems
}

func (s *stubAPI) Search(ctx context.Context, term, kinds string, maxResults int) ([]ytapi.SearchItem, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if items, ok := s.searches[term]; ok {
		return items, nil
	}
	return nil, ytapi.ErrNoItems
}

func openTestResolver(t *testing.T, api *stubAPI, pages PageResolver) (*Resolver, *store.Store) {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	if err := schema.Apply(context.Background(), db); err != nil {
		t.Fatal(err)
	}

	s := store.New(db)

	return New(s, api, pages), s
}

func noPages(t *testing.T) PageResolver {
	return PageResolverFunc(func(ctx context.Context, slug string) (*ytscrape.VanityResult, error) {
		t.Errorf("unexpected vanity page scrape for slug %q", slug)
		return nil, fmt.Errorf("unexpected scrape")
	})
}

func TestChannelByExternalID(t *testing.T) {
	a := assert.New(t)
	api := &stubAPI{channelsByID: map[string]*ytapi.Channel{
		"UC1": {ID: "UC1", Title: "Halocene", UploadsPlaylistID: "UU1", CustomURL: "Halocene"},
	}}
	r, _ := openTestResolver(t, api, noPages(t))
	ctx := context.Background()

	channel, err := r.ChannelByExternalID(ctx, "UC1", false)
	a.NoError(err)
	if a.NotNil(channel) {
		a.Equal("Halocene", channel.Title)
		a.Equal("UU1", channel.UploadsPlaylistID)
		if a.NotNil(channel.CustomURL) {
			a.Equal("halocene", *channel.CustomURL)
		}
	}
	a.Equal(1, api.calls)

	// cached now; the api is not consulted again
	channel, err = r.ChannelByExternalID(ctx, "UC1", false)
	a.NoError(err)
	a.NotNil(channel)
	a.Equal(1, api.calls)

	// cache-only misses resolve to nil without an api call
	channel, err = r.ChannelByExternalID(ctx, "UC404", true)
	a.NoError(err)
	a.Nil(channel)
	a.Equal(1, api.calls)
}

func TestChannelByUsernameMergesOntoCachedChannel(t *testing.T) {
	a := assert.New(t)
	api := &stubAPI{
		channelsByID: map[string]*ytapi.Channel{
			"UC1": {ID: "UC1", Title: "Halocene", UploadsPlaylistID: "UU1"},
		},
		channelsByUsername: map[string]*ytapi.Channel{
			"OfficialHalocene": {ID: "UC1", Title: "Halocene", UploadsPlaylistID: "UU1"},
		},
	}
	r, s := openTestResolver(t, api, noPages(t))
	ctx := context.Background()

	// channel first seen through its id, no username known
	_, err := r.ChannelByExternalID(ctx, "UC1", false)
	a.NoError(err)

	merged, err := r.ChannelByUsername(ctx, "OfficialHalocene", false)
	a.NoError(err)
	if a.NotNil(merged) {
		a.Equal("UC1", merged.ExternalID)
		if a.NotNil(merged.Username) {
			a.Equal("officialhalocene", *merged.Username)
		}
	}

	// exactly one channel row exists
	byID, err := s.ChannelByExternalID(ctx, "UC1")
	a.NoError(err)
	if a.NotNil(byID) {
		a.Equal(merged.ID, byID.ID)
	}

	// subsequent username lookups come from the cache
	calls := api.calls
	again, err := r.ChannelByUsername(ctx, "OfficialHalocene", false)
	a.NoError(err)
	a.NotNil(again)
	a.Equal(calls, api.calls)
}

func TestChannelByURLSlug(t *testing.T) {
	a := assert.New(t)
	api := &stubAPI{channelsByID: map[string]*ytapi.Channel{
		"UC1": {ID: "UC1", Title: "Halocene", UploadsPlaylistID: "UU1", CustomURL: "Halocene"},
	}}

	var scrapes int
	pages := PageResolverFunc(func(ctx context.Context, slug string) (*ytscrape.VanityResult, error) {
		scrapes++
		a.Equal("OfficialHalocene", slug)
		return &ytscrape.VanityResult{ChannelID: "UC1", CanonicalURL: "https://www.youtube.com/channel/UC1"}, nil
	})

	r, s := openTestResolver(t, api, pages)
	ctx := context.Background()

	channel, err := r.ChannelByURLSlug(ctx, "OfficialHalocene", false)
	a.NoError(err)
	if a.NotNil(channel) {
		a.Equal("UC1", channel.ExternalID)
	}
	a.Equal(1, scrapes)

	// the slug differs from the canonical custom url, so the alias is
	// recorded and the second resolution skips the scrape
	lookup, err := s.URLLookup(ctx, "OfficialHalocene")
	a.NoError(err)
	if a.NotNil(lookup) {
		a.Equal("halocene", lookup.Resolved)
		a.False(lookup.IsUsername)
	}

	channel, err = r.ChannelByURLSlug(ctx, "OfficialHalocene", false)
	a.NoError(err)
	a.NotNil(channel)
	a.Equal(1, scrapes)
}

func TestChannelByURLSlugUsernameDelegation(t *testing.T) {
	a := assert.New(t)
	api := &stubAPI{channelsByUsername: map[string]*ytapi.Channel{
		"halocene": {ID: "UC1", Title: "Halocene", UploadsPlaylistID: "UU1"},
	}}

	var scrapes int
	pages := PageResolverFunc(func(ctx context.Context, slug string) (*ytscrape.VanityResult, error) {
		scrapes++
		return &ytscrape.VanityResult{IsUsername: true, Username: "halocene"}, nil
	})

	r, s := openTestResolver(t, api, pages)
	ctx := context.Background()

	channel, err := r.ChannelByURLSlug(ctx, "SomeSlug", false)
	a.NoError(err)
	if a.NotNil(channel) {
		a.Equal("UC1", channel.ExternalID)
	}

	lookup, err := s.URLLookup(ctx, "SomeSlug")
	a.NoError(err)
	if a.NotNil(lookup) {
		a.True(lookup.IsUsername)
		a.Equal("halocene", lookup.Resolved)
	}

	// second resolution goes through the lookup straight to the
	// username cache
	channel, err = r.ChannelByURLSlug(ctx, "SomeSlug", false)
	a.NoError(err)
	a.NotNil(channel)
	a.Equal(1, scrapes)
}

func TestChannelByTitleFragment(t *testing.T) {
	a := assert.New(t)

	searchTerm := "Halocene ft. Someone|Halocene ft.|Halocene"

	api := &stubAPI{
		channelsByID: map[string]*ytapi.Channel{
			"UC1": {ID: "UC1", Title: "Halocene Covers", UploadsPlaylistID: "UU1"},
			"UC2": {ID: "UC2", Title: "Halocene", UploadsPlaylistID: "UU2"},
		},
		searches: map[string][]ytapi.SearchItem{
			searchTerm: {
				{Kind: ytapi.SearchKindChannel, ID: "UC1", Title: "Halocene Covers"},
				{Kind: ytapi.SearchKindChannel, ID: "UC2", Title: "Halocene"},
			},
		},
	}

	r, _ := openTestResolver(t, api, noPages(t))
	ctx := context.Background()

	channel, err := r.ChannelByTitleFragment(ctx, "Halocene ft. Someone", false)
	a.NoError(err)
	if a.NotNil(channel) {
		// the first search result doesn't match any prefix exactly;
		// the second does
		a.Equal("UC2", channel.ExternalID)
	}

	// the next tag resolution finds the cached title directly
	calls := api.calls
	channel, err = r.ChannelByTitleFragment(ctx, "Halocene ft. Anybody", false)
	a.NoError(err)
	if a.NotNil(channel) {
		a.Equal("UC2", channel.ExternalID)
	}
	a.Equal(calls, api.calls)
}

func TestChannelByTitleFragmentSoftFailure(t *testing.T) {
	a := assert.New(t)

	api := &stubAPI{
		channelsByID: map[string]*ytapi.Channel{
			"UC1": {ID: "UC1", Title: "Something Unrelated", UploadsPlaylistID: "UU1"},
		},
		searches: map[string][]ytapi.SearchItem{
			"Nobody": {
				{Kind: ytapi.SearchKindChannel, ID: "UC1", Title: "Something Unrelated"},
			},
		},
	}

	r, _ := openTestResolver(t, api, noPages(t))

	channel, err := r.ChannelByTitleFragment(context.Background(), "Nobody", false)
	a.NoError(err)
	a.Nil(channel)
}

func TestTargetChannel(t *testing.T) {
	a := assert.New(t)

	api := &stubAPI{
		channelsByID: map[string]*ytapi.Channel{
			"UC2": {ID: "UC2", Title: "Halocene", UploadsPlaylistID: "UU2"},
		},
		searches: map[string][]ytapi.SearchItem{
			"Halocene": {
				{Kind: ytapi.SearchKindChannel, ID: "UC1", Title: "Halocene Covers"},
				{Kind: ytapi.SearchKindChannel, ID: "UC2", Title: "Halocene"},
			},
			"Halo": {
				{Kind: ytapi.SearchKindChannel, ID: "UC2", Title: "Halocene"},
			},
		},
	}

	r, _ := openTestResolver(t, api, noPages(t))
	ctx := context.Background()

	channel, err := r.TargetChannel(ctx, "Halocene")
	a.NoError(err)
	if a.NotNil(channel) {
		a.Equal("UC2", channel.ExternalID)
	}

	// close matches aren't good enough
	_, err = r.TargetChannel(ctx, "Halo")
	var notFound *NotFoundError
	if a.ErrorAs(err, &notFound) {
		a.Equal("Halo", notFound.Term)
	}

	// no results at all
	_, err = r.TargetChannel(ctx, "Completely Unknown")
	a.ErrorAs(err, &notFound)
}

func TestVideoByExternalIDNotCached(t *testing.T) {
	a := assert.New(t)

	api := &stubAPI{videos: map[string]*ytapi.Video{
		"v1": {ID: "v1", ChannelID: "UC1", Title: "a video", PublishedAt: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)},
	}}

	r, s := openTestResolver(t, api, noPages(t))
	ctx := context.Background()

	video, err := r.VideoByExternalID(ctx, "v1", false)
	a.NoError(err)
	if a.NotNil(video) {
		a.Equal("UC1", video.ChannelExternalID)
	}

	// direct lookups deliberately don't populate the video cache
	cached, err := s.VideoByExternalID(ctx, "v1")
	a.NoError(err)
	a.Nil(cached)

	// so cache-only resolution still misses
	video, err = r.VideoByExternalID(ctx, "v1", true)
	a.NoError(err)
	a.Nil(video)
}

func TestIsFatal(t *testing.T) {
	a := assert.New(t)

	a.True(IsFatal(ytapi.ErrQuotaExhausted))
	a.True(IsFatal(fmt.Errorf("wrapped: %w", ytapi.ErrQuotaExhausted)))
	a.True(IsFatal(&ytapi.ContractError{Message: "two channels for one id"}))
	a.False(IsFatal(ytapi.ErrNoItems))
	a.False(IsFatal(fmt.Errorf("plain failure")))
}
