// Package ytapi is a minimal client for the Youtube Data API, covering
// only the endpoints the crawler needs: channel lookup, video lookup,
// search, and paginated playlist listing. It owns the API key rotation
// policy; callers never see a quota error until every key is spent.
package ytapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"fknsrs.biz/p/sixdegrees/internal/ctxhttpclient"
	"fknsrs.biz/p/sixdegrees/internal/ctxlogger"
)

const DefaultBaseURL = "https://www.googleapis.com/youtube/v3/"

var (
	// ErrNoItems means the API answered successfully but with an empty
	// item list. Callers treat this as not-found.
	ErrNoItems = fmt.Errorf("ytapi: api responded with no items")

	// ErrQuotaExhausted means every configured API key has been
	// rejected. This is fatal to the crawl that hits it.
	ErrQuotaExhausted = fmt.Errorf("ytapi: all api keys exhausted")
)

// StatusError is any non-2xx response that isn't quota related.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ytapi: unexpected status %d: %s", e.StatusCode, e.Body)
}

// ContractError means the API returned a response shape that the
// documentation says can't happen, e.g. two channels for one ID. It
// signals a programming or upstream-data error, not a retryable
// condition.
type ContractError struct {
	Message string
}

func (e *ContractError) Error() string {
	return "ytapi: contract violation: " + e.Message
}

type Client struct {
	baseURL string
	limiter *rate.Limiter

	mu   sync.Mutex
	keys []string
}

func New(baseURL string, keys []string, requestsPerSecond int) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}

	return &Client{
		baseURL: baseURL,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
		keys:    append([]string(nil), keys...),
	}
}

func (c *Client) currentKey() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.keys) == 0 {
		return "", false
	}

	return c.keys[0], true
}

// discardKey drops key from the front of the rotation. Another caller
// may have rotated already; only the exact key that failed is removed.
func (c *Client) discardKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.keys) > 0 && c.keys[0] == key {
		c.keys = c.keys[1:]
	}
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values) (*gabs.Container, error) {
	for {
		key, ok := c.currentKey()
		if !ok {
			return nil, ErrQuotaExhausted
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("ytapi.Client.get: could not wait for rate limiter: %w", err)
		}

		// the key stays out of the logged parameters
		ctxlogger.GetLogger(ctx).WithFields(logrus.Fields{
			"endpoint": endpoint,
			"params":   params.Encode(),
		}).Debug("querying api")

		q := url.Values{}
		for k, vs := range params {
			q[k] = vs
		}
		q.Set("key", key)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint+"?"+q.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("ytapi.Client.get: could not construct request: %w", err)
		}

		res, err := ctxhttpclient.GetHTTPClient(ctx).Do(req)
		if err != nil {
			return nil, fmt.Errorf("ytapi.Client.get: could not perform request: %w", err)
		}

		body, err := io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("ytapi.Client.get: could not read response body: %w", err)
		}

		if res.StatusCode == http.StatusForbidden {
			ctxlogger.GetLogger(ctx).WithField("endpoint", endpoint).Warn("api key rejected, rotating")
			c.discardKey(key)
			continue
		}

		if res.StatusCode < 200 || res.StatusCode >= 400 {
			return nil, &StatusError{StatusCode: res.StatusCode, Body: string(body)}
		}

		data, err := gabs.ParseJSON(body)
		if err != nil {
			return nil, fmt.Errorf("ytapi.Client.get: could not parse response body: %w", err)
		}

		if len(data.Path("items").Children()) == 0 {
			return nil, ErrNoItems
		}

		return data, nil
	}
}

type Channel struct {
	ID                string
	Title             string
	CustomURL         string
	ThumbnailURL      string
	UploadsPlaylistID string
}

func channelFromItem(item *gabs.Container) *Channel {
	c := &Channel{
		ID:                stringAt(item, "id"),
		Title:             stringAt(item, "snippet", "title"),
		CustomURL:         stringAt(item, "snippet", "customUrl"),
		ThumbnailURL:      stringAt(item, "snippet", "thumbnails", "medium", "url"),
		UploadsPlaylistID: stringAt(item, "contentDetails", "relatedPlaylists", "uploads"),
	}

	return c
}

// ChannelByID fetches a single channel. Exactly one item is part of the
// endpoint's contract; anything else is a ContractError.
func (c *Client) ChannelByID(ctx context.Context, id string) (*Channel, error) {
	return c.channelBy(ctx, "id", id)
}

// ChannelByUsername fetches a single channel by its legacy username.
// The response does not echo the username back; the caller has to carry
// it.
func (c *Client) ChannelByUsername(ctx context.Context, username string) (*Channel, error) {
	return c.channelBy(ctx, "forUsername", username)
}

func (c *Client) channelBy(ctx context.Context, filterName, filterValue string) (*Channel, error) {
	data, err := c.get(ctx, "channels", url.Values{
		"part":     []string{"contentDetails,snippet"},
		filterName: []string{filterValue},
	})
	if err != nil {
		return nil, fmt.Errorf("ytapi.Client.channelBy: could not query api: %w", err)
	}

	items := data.Path("items").Children()
	if len(items) != 1 {
		return nil, &ContractError{Message: fmt.Sprintf("channels lookup by %s=%q returned %d items; expected exactly 1", filterName, filterValue, len(items))}
	}

	return channelFromItem(items[0]), nil
}

type Video struct {
	ID           string
	ChannelID    string
	Title        string
	Description  string
	ThumbnailURL string
	PublishedAt  time.Time
}

// VideoByID fetches a single video. Exactly one item is part of the
// endpoint's contract; anything else is a ContractError.
func (c *Client) VideoByID(ctx context.Context, id string) (*Video, error) {
	data, err := c.get(ctx, "videos", url.Values{
		"part": []string{"snippet"},
		"id":   []string{id},
	})
	if err != nil {
		return nil, fmt.Errorf("ytapi.Client.VideoByID: could not query api: %w", err)
	}

	items := data.Path("items").Children()
	if len(items) != 1 {
		return nil, &ContractError{Message: fmt.Sprintf("videos lookup by id=%q returned %d items; expected exactly 1", id, len(items))}
	}

	item := items[0]

	return &Video{
		ID:           stringAt(item, "id"),
		ChannelID:    stringAt(item, "snippet", "channelId"),
		Title:        stringAt(item, "snippet", "title"),
		Description:  stringAt(item, "snippet", "description"),
		ThumbnailURL: stringAt(item, "snippet", "thumbnails", "medium", "url"),
		PublishedAt:  timeAt(item, "snippet", "publishedAt"),
	}, nil
}

const (
	SearchKindChannel = "channel"
	SearchKindVideo   = "video"
)

type SearchItem struct {
	Kind  string
	ID    string
	Title string
}

// Search performs a free-text search. kinds is a comma separated list
// of result types, e.g. "channel" or "channel,video".
func (c *Client) Search(ctx context.Context, term, kinds string, maxResults int) ([]SearchItem, error) {
	if kinds == "" {
		kinds = SearchKindChannel
	}

	if maxResults <= 0 {
		maxResults = 10
	}

	data, err := c.get(ctx, "search", url.Values{
		"part":       []string{"snippet"},
		"q":          []string{term},
		"type":       []string{kinds},
		"maxResults": []string{fmt.Sprintf("%d", maxResults)},
	})
	if err != nil {
		return nil, fmt.Errorf("ytapi.Client.Search: could not query api: %w", err)
	}

	var a []SearchItem

	for _, item := range data.Path("items").Children() {
		switch stringAt(item, "id", "kind") {
		case "youtube#channel":
			a = append(a, SearchItem{
				Kind:  SearchKindChannel,
				ID:    stringAt(item, "id", "channelId"),
				Title: stringAt(item, "snippet", "title"),
			})
		case "youtube#video":
			a = append(a, SearchItem{
				Kind:  SearchKindVideo,
				ID:    stringAt(item, "id", "videoId"),
				Title: stringAt(item, "snippet", "title"),
			})
		}
	}

	return a, nil
}

type PlaylistItem struct {
	VideoID      string
	ChannelID    string
	Title        string
	Description  string
	ThumbnailURL string
	PublishedAt  time.Time
}

// EachPlaylistItem calls fn for every item of a playlist, following
// nextPageToken until the playlist is exhausted or fn returns
// stop=true.
func (c *Client) EachPlaylistItem(ctx context.Context, playlistID string, fn func(item PlaylistItem) (bool, error)) error {
	params := url.Values{
		"part":       []string{"snippet"},
		"playlistId": []string{playlistID},
		"maxResults": []string{"50"},
	}

	for {
		data, err := c.get(ctx, "playlistItems", params)
		if err != nil {
			return fmt.Errorf("ytapi.Client.EachPlaylistItem: could not query api: %w", err)
		}

		for _, item := range data.Path("items").Children() {
			stop, err := fn(PlaylistItem{
				VideoID:      stringAt(item, "snippet", "resourceId", "videoId"),
				ChannelID:    stringAt(item, "snippet", "channelId"),
				Title:        stringAt(item, "snippet", "title"),
				Description:  stringAt(item, "snippet", "description"),
				ThumbnailURL: stringAt(item, "snippet", "thumbnails", "medium", "url"),
				PublishedAt:  timeAt(item, "snippet", "publishedAt"),
			})
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		}

		nextPageToken, ok := data.Path("nextPageToken").Data().(string)
		if !ok || nextPageToken == "" {
			return nil
		}

		params.Set("pageToken", nextPageToken)
	}
}

func stringAt(c *gabs.Container, path ...string) string {
	if s, ok := c.Search(path...).Data().(string); ok {
		return s
	}

	return ""
}

func timeAt(c *gabs.Container, path ...string) time.Time {
	s := stringAt(c, path...)
	if s == "" {
		return time.Time{}
	}

	for _, format := range []string{time.RFC3339, "2006-01-02T15:04:05Z"} {
		if t, err := time.Parse(format, s); err == nil {
			return t
		}
	}

	return time.Time{}
}
