package crawl

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"fknsrs.biz/p/sorm"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"

	"fknsrs.biz/p/sixdegrees/internal/extract"
	"fknsrs.biz/p/sixdegrees/internal/resolve"
	"fknsrs.biz/p/sixdegrees/internal/schema"
	"fknsrs.biz/p/sixdegrees/internal/store"
	"fknsrs.biz/p/sixdegrees/internal/ytapi"
	"fknsrs.biz/p/sixdegrees/internal/ytscrape"
	"fknsrs.biz/p/sixdegrees/models"
)

func init() {
	sorm.SetParameterPrefix("?")
}

type stubAPI struct {
	mu          sync.Mutex
	channels    map[string]*ytapi.Channel
	videos      map[string]*ytapi.Video
	searches    map[string][]ytapi.SearchItem
	playlists   map[string][]ytapi.PlaylistItem
	playlistErr map[string]error
	visited     map[string][]string
}

func (s *stubAPI) ChannelByID(ctx context.Context, id string) (*ytapi.Channel, error) {
	if c, ok := s.channels[id]; ok {
		return c, nil
	}
	return nil, ytapi.ErrNoItems
}

func (s *stubAPI) ChannelByUsername(ctx context.Context, username string) (*ytapi.Channel, error) {
	return nil, ytapi.ErrNoItems
}

func (s *stubAPI) VideoByID(ctx context.Context, id string) (*ytapi.Video, error) {
	if v, ok := s.videos[id]; ok {
		return v, nil
	}
	return nil, ytapi.ErrNoItems
}

func (s *stubAPI) Search(ctx context.Context, term, kinds string, maxResults int) ([]ytapi.SearchItem, error) {
	if items, ok := s.searches[term]; ok {
		return items, nil
	}
	return nil, ytapi.ErrNoItems
}

func (s *stubAPI) EachPlaylistItem(ctx context.Context, playlistID string, fn func(item ytapi.PlaylistItem) (bool, error)) error {
	s.mu.Lock()
	items := s.playlists[playlistID]
	err := s.playlistErr[playlistID]
	s.mu.Unlock()

	if err != nil {
		return err
	}

	for _, item := range items {
		s.mu.Lock()
		if s.visited != nil {
			s.visited[playlistID] = append(s.visited[playlistID], item.VideoID)
		}
		s.mu.Unlock()

		stop, err := fn(item)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}

	return nil
}

func noScrape(t *testing.T) resolve.PageResolver {
	return resolve.PageResolverFunc(func(ctx context.Context, slug string) (*ytscrape.VanityResult, error) {
		t.Errorf("unexpected vanity page scrape for slug %q", slug)
		return nil, assert.AnError
	})
}

func noLinks(t *testing.T) extract.LinkResolver {
	return extract.LinkResolverFunc(func(ctx context.Context, shortURL string) (string, error) {
		t.Errorf("unexpected link resolution for %q", shortURL)
		return "", assert.AnError
	})
}

func openTestCrawler(t *testing.T, api *stubAPI, links extract.LinkResolver) (*Crawler, *store.Store) {
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
	r := resolve.New(s, api, noScrape(t))

	return New(s, r, api, links, 2, 2), s
}

func day(n int) time.Time {
	return time.Date(2021, 1, n, 0, 0, 0, 0, time.UTC)
}

func collaborationVideoIDs(result *Result) []string {
	ids := make([]string, 0, len(result.Collaborations))
	for _, c := range result.Collaborations {
		ids = append(ids, c.VideoExternalID)
	}
	return ids
}

func makeCollaborationAPI() *stubAPI {
	return &stubAPI{
		channels: map[string]*ytapi.Channel{
			"UC_T":  {ID: "UC_T", Title: "Halocene", UploadsPlaylistID: "UU_T"},
			"UC_G1": {ID: "UC_G1", Title: "Guest One", UploadsPlaylistID: "UU_G1"},
			"UC_G2": {ID: "UC_G2", Title: "Guest Two", UploadsPlaylistID: "UU_G2"},
		},
		searches: map[string][]ytapi.SearchItem{
			"Halocene": {
				{Kind: ytapi.SearchKindChannel, ID: "UC_T", Title: "Halocene"},
			},
			"Guest Two|Guest": {
				{Kind: ytapi.SearchKindChannel, ID: "UC_G2", Title: "Guest Two"},
			},
		},
		playlists: map[string][]ytapi.PlaylistItem{
			"UU_T": {
				{VideoID: "v2", ChannelID: "UC_T", Title: "Song (ft. @Guest Two)", PublishedAt: day(2)},
				{VideoID: "v1", ChannelID: "UC_T", Title: "A Duet", Description: "with https://www.youtube.com/channel/UC_G1 today", PublishedAt: day(1)},
			},
			"UU_G1": {
				{VideoID: "g1", ChannelID: "UC_G1", Title: "A Reply", Description: "answering https://www.youtube.com/channel/UC_T here", PublishedAt: day(1)},
			},
			"UU_G2": {},
		},
		playlistErr: map[string]error{},
		visited:     map[string][]string{},
	}
}

func TestRunBuildsCollaborations(t *testing.T) {
	a := assert.New(t)

	api := makeCollaborationAPI()
	c, _ := openTestCrawler(t, api, noLinks(t))

	result, err := c.Run(context.Background(), "Halocene")
	a.NoError(err)
	if !a.NotNil(result) {
		return
	}

	a.Equal("UC_T", result.Target.ExternalID)
	a.False(result.Partial)

	guestIDs := make([]string, 0, len(result.Guests))
	for _, g := range result.Guests {
		guestIDs = append(guestIDs, g.ExternalID)
	}
	a.ElementsMatch([]string{"UC_T", "UC_G1", "UC_G2"}, guestIDs)

	// one record per video: the channel link in v1, the title tag in
	// v2, and the back reference in the guest's own upload
	a.ElementsMatch([]string{"v1", "v2", "g1"}, collaborationVideoIDs(result))

	for _, c := range result.Collaborations {
		a.True(c.ChannelAExternalID < c.ChannelBExternalID)
	}
}

func TestRunNotFound(t *testing.T) {
	a := assert.New(t)

	api := makeCollaborationAPI()
	c, _ := openTestCrawler(t, api, noLinks(t))

	_, err := c.Run(context.Background(), "Completely Unknown")

	var notFound *resolve.NotFoundError
	if a.ErrorAs(err, &notFound) {
		a.Equal("Completely Unknown", notFound.Term)
	}
}

func TestRunIsIncremental(t *testing.T) {
	a := assert.New(t)

	api := makeCollaborationAPI()
	c, _ := openTestCrawler(t, api, noLinks(t))
	ctx := context.Background()

	_, err := c.Run(ctx, "Halocene")
	a.NoError(err)

	// a new upload appears; the playlist also serves a cached
	// non-boundary video before the boundary
	api.mu.Lock()
	api.playlists["UU_T"] = []ytapi.PlaylistItem{
		{VideoID: "v3", ChannelID: "UC_T", Title: "Another Duet", Description: "again https://www.youtube.com/channel/UC_G1 today", PublishedAt: day(3)},
		{VideoID: "v1", ChannelID: "UC_T", Title: "A Duet", Description: "with https://www.youtube.com/channel/UC_G1 today", PublishedAt: day(1)},
		{VideoID: "v2", ChannelID: "UC_T", Title: "Song (ft. @Guest Two)", PublishedAt: day(2)},
	}
	api.visited["UU_T"] = nil
	api.mu.Unlock()

	result, err := c.Run(ctx, "Halocene")
	a.NoError(err)
	if !a.NotNil(result) {
		return
	}

	// pagination stops at the most recent previously-cached video; the
	// out-of-order duplicate before it is skipped, not an error
	a.Equal([]string{"v3", "v1", "v2"}, api.visited["UU_T"])

	a.Contains(collaborationVideoIDs(result), "v3")
}

func TestLinkExpansionRunsOnce(t *testing.T) {
	a := assert.New(t)

	api := makeCollaborationAPI()
	api.playlists["UU_T"] = []ytapi.PlaylistItem{
		{VideoID: "v1", ChannelID: "UC_T", Title: "A Duet", Description: "watch https://bit.ly/guest1 today", PublishedAt: day(1)},
	}

	var linkCalls int
	links := extract.LinkResolverFunc(func(ctx context.Context, shortURL string) (string, error) {
		linkCalls++
		a.Equal("https://bit.ly/guest1", shortURL)
		return "https://www.youtube.com/channel/UC_G1", nil
	})

	c, s := openTestCrawler(t, api, links)
	ctx := context.Background()

	result, err := c.Run(ctx, "Halocene")
	a.NoError(err)
	a.ElementsMatch([]string{"v1", "g1"}, collaborationVideoIDs(result))
	a.Equal(1, linkCalls)

	// the expanded description is persisted, so another crawl never
	// touches the link service again
	video, err := s.VideoByExternalID(ctx, "v1")
	a.NoError(err)
	if a.NotNil(video) {
		a.True(video.LinksResolved)
		a.Contains(video.Description, "https://www.youtube.com/channel/UC_G1")
	}

	_, err = c.Run(ctx, "Halocene")
	a.NoError(err)
	a.Equal(1, linkCalls)
}

func TestPartialResultOnQuotaExhaustion(t *testing.T) {
	a := assert.New(t)

	api := makeCollaborationAPI()
	c, _ := openTestCrawler(t, api, noLinks(t))
	ctx := context.Background()

	first, err := c.Run(ctx, "Halocene")
	a.NoError(err)
	a.Len(first.Collaborations, 3)

	// a new upload brings the first guest back into the crawl, but the
	// guest's playlist is now behind an exhausted quota
	api.mu.Lock()
	api.playlists["UU_T"] = append([]ytapi.PlaylistItem{
		{VideoID: "v3", ChannelID: "UC_T", Title: "Another Duet", Description: "again https://www.youtube.com/channel/UC_G1 today", PublishedAt: day(3)},
	}, api.playlists["UU_T"]...)
	api.playlistErr["UU_G1"] = ytapi.ErrQuotaExhausted
	api.mu.Unlock()

	result, err := c.Run(ctx, "Halocene")
	a.NoError(err)
	if !a.NotNil(result) {
		return
	}

	a.True(result.Partial)

	// only previously-cached pairs among the channels reached before
	// the abort: the target and the first guest
	a.ElementsMatch([]string{"v1", "g1"}, collaborationVideoIDs(result))
}

func TestAssembleAllReturnsWhenWorkersFail(t *testing.T) {
	a := assert.New(t)

	api := &stubAPI{}

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}

	if err := schema.Apply(context.Background(), db); err != nil {
		t.Fatal(err)
	}

	s := store.New(db)
	c := New(s, resolve.New(s, api, noScrape(t)), api, noLinks(t), 2, 2)

	// every assembly now fails at the first cached-channel lookup
	db.Close()

	target := &models.Channel{ExternalID: "UC_T", Title: "Halocene"}
	videos := []models.Video{
		{ExternalID: "v1", ChannelExternalID: "UC_T"},
		{ExternalID: "v2", ChannelExternalID: "UC_T"},
		{ExternalID: "v3", ChannelExternalID: "UC_T"},
		{ExternalID: "v4", ChannelExternalID: "UC_T"},
	}

	// more videos than workers: the sender must not block once the
	// whole pool has exited on error
	done := make(chan error, 1)
	go func() {
		done <- c.assembleAll(context.Background(), target, newGuestSet(), videos)
	}()

	select {
	case err := <-done:
		a.Error(err)
	case <-time.After(2 * time.Second):
		t.Fatal("assembleAll did not return after the worker pool drained")
	}
}
