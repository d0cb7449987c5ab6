// Package resolve turns raw textual channel references into canonical
// channel records. Every reference kind goes through the same layered
// lookup: persistent cache first, then the platform API, and for vanity
// URL slugs a web-page scrape as the last resort. The resolver owns
// alias merging, so the same underlying channel reached via ID,
// username, and URL converges on one cached row.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"fknsrs.biz/p/sixdegrees/internal/ctxlogger"
	"fknsrs.biz/p/sixdegrees/internal/extract"
	"fknsrs.biz/p/sixdegrees/internal/ptr"
	"fknsrs.biz/p/sixdegrees/internal/store"
	"fknsrs.biz/p/sixdegrees/internal/ytapi"
	"fknsrs.biz/p/sixdegrees/internal/ytscrape"
	"fknsrs.biz/p/sixdegrees/models"
)

// NotFoundError reports that a target channel name had no exact search
// match. The term travels with it so the rendering layer can tell the
// user what to check.
type NotFoundError struct {
	Term string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("resolve: could not find channel %q", e.Term)
}

// IsFatal distinguishes conditions that should abort a whole crawl
// (quota exhaustion, API contract violations) from per-reference
// failures that are logged and skipped.
func IsFatal(err error) bool {
	var contractError *ytapi.ContractError
	return errors.Is(err, ytapi.ErrQuotaExhausted) || errors.As(err, &contractError)
}

// API is the slice of the platform client the resolver needs.
type API interface {
	ChannelByID(ctx context.Context, id string) (*ytapi.Channel, error)
	ChannelByUsername(ctx context.Context, username string) (*ytapi.Channel, error)
	VideoByID(ctx context.Context, id string) (*ytapi.Video, error)
	Search(ctx context.Context, term, kinds string, maxResults int) ([]ytapi.SearchItem, error)
}

// PageResolver resolves vanity slugs by scraping the public channel
// page.
type PageResolver interface {
	ResolveVanity(ctx context.Context, slug string) (*ytscrape.VanityResult, error)
}

type PageResolverFunc func(ctx context.Context, slug string) (*ytscrape.VanityResult, error)

func (f PageResolverFunc) ResolveVanity(ctx context.Context, slug string) (*ytscrape.VanityResult, error) {
	return f(ctx, slug)
}

type Resolver struct {
	store *store.Store
	api   API
	pages PageResolver
}

func New(s *store.Store, api API, pages PageResolver) *Resolver {
	return &Resolver{store: s, api: api, pages: pages}
}

func channelFromAPI(c *ytapi.Channel) *models.Channel {
	channel := &models.Channel{
		CreatedAt:         time.Now(),
		ExternalID:        c.ID,
		Title:             c.Title,
		UploadsPlaylistID: c.UploadsPlaylistID,
		ThumbnailURL:      c.ThumbnailURL,
	}

	if c.CustomURL != "" {
		channel.CustomURL = ptr.String(strings.ToLower(c.CustomURL))
	}

	return channel
}

// ChannelByExternalID resolves a channel by its platform ID.
func (r *Resolver) ChannelByExternalID(ctx context.Context, externalID string, cacheOnly bool) (*models.Channel, error) {
	cached, err := r.store.ChannelByExternalID(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("resolve.Resolver.ChannelByExternalID: %w", err)
	}
	if cached != nil || cacheOnly {
		return cached, nil
	}

	fetched, err := r.api.ChannelByID(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("resolve.Resolver.ChannelByExternalID: could not fetch channel: %w", err)
	}

	channel, err := r.store.UpsertChannel(ctx, channelFromAPI(fetched))
	if err != nil {
		return nil, fmt.Errorf("resolve.Resolver.ChannelByExternalID: %w", err)
	}

	return channel, nil
}

// ChannelByUsername resolves a channel by its legacy username. The API
// response doesn't echo the username, so if the returned channel is
// already cached under its ID the username is merged onto the existing
// row rather than creating a duplicate.
func (r *Resolver) ChannelByUsername(ctx context.Context, username string, cacheOnly bool) (*models.Channel, error) {
	cached, err := r.store.ChannelByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("resolve.Resolver.ChannelByUsername: %w", err)
	}
	if cached != nil || cacheOnly {
		return cached, nil
	}

	fetched, err := r.api.ChannelByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("resolve.Resolver.ChannelByUsername: could not fetch channel: %w", err)
	}

	existing, err := r.store.ChannelByExternalID(ctx, fetched.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve.Resolver.ChannelByUsername: %w", err)
	}

	if existing != nil {
		merged, err := r.store.SetChannelUsername(ctx, existing.ExternalID, username)
		if err != nil {
			return nil, fmt.Errorf("resolve.Resolver.ChannelByUsername: %w", err)
		}

		return merged, nil
	}

	channel := channelFromAPI(fetched)
	channel.Username = ptr.String(strings.ToLower(username))

	created, err := r.store.UpsertChannel(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("resolve.Resolver.ChannelByUsername: %w", err)
	}

	return created, nil
}

// ChannelByURLSlug resolves a vanity URL slug. A previously-resolved
// slug short-circuits through the UrlLookup cache, which also knows
// whether the slug is really a legacy username. A cache miss falls back
// to scraping the channel page. Failed scrapes are not cached.
func (r *Resolver) ChannelByURLSlug(ctx context.Context, slug string, cacheOnly bool) (*models.Channel, error) {
	lookup, err := r.store.URLLookup(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("resolve.Resolver.ChannelByURLSlug: %w", err)
	}

	if lookup != nil && lookup.IsUsername {
		return r.ChannelByUsername(ctx, lookup.Resolved, cacheOnly)
	}

	normalized := slug
	if lookup != nil {
		normalized = lookup.Resolved
	}

	cached, err := r.store.ChannelByCustomURL(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("resolve.Resolver.ChannelByURLSlug: %w", err)
	}
	if cached != nil || cacheOnly {
		return cached, nil
	}

	vanity, err := r.pages.ResolveVanity(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("resolve.Resolver.ChannelByURLSlug: could not resolve vanity page: %w", err)
	}

	if vanity.IsUsername {
		channel, err := r.ChannelByUsername(ctx, vanity.Username, false)
		if err != nil {
			return nil, fmt.Errorf("resolve.Resolver.ChannelByURLSlug: %w", err)
		}

		if err := r.store.PutURLLookup(ctx, slug, strings.ToLower(vanity.Username), true); err != nil {
			return nil, fmt.Errorf("resolve.Resolver.ChannelByURLSlug: %w", err)
		}

		return channel, nil
	}

	channel, err := r.ChannelByExternalID(ctx, vanity.ChannelID, false)
	if err != nil {
		return nil, fmt.Errorf("resolve.Resolver.ChannelByURLSlug: %w", err)
	}

	if channel.CustomURL != nil && *channel.CustomURL != strings.ToLower(slug) {
		if err := r.store.PutURLLookup(ctx, slug, *channel.CustomURL, false); err != nil {
			return nil, fmt.Errorf("resolve.Resolver.ChannelByURLSlug: %w", err)
		}
	}

	return channel, nil
}

// ChannelByTitleFragment resolves a free-text "@Name" tag. There is no
// delimiter marking where a multi-word tag ends, so every whitespace
// prefix of the tag is a candidate, tried longest first. The longest
// successful match wins; the heuristic is known to occasionally pick
// the wrong channel, which is inherent to the input, not a bug here.
// An unresolvable tag is a soft failure: logged, returns nil.
func (r *Resolver) ChannelByTitleFragment(ctx context.Context, tag string, cacheOnly bool) (*models.Channel, error) {
	prefixes := extract.TitlePrefixes(tag)
	if len(prefixes) == 0 {
		return nil, nil
	}

	for _, prefix := range prefixes {
		cached, err := r.store.ChannelByTitle(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("resolve.Resolver.ChannelByTitleFragment: %w", err)
		}
		if cached != nil {
			return cached, nil
		}
	}

	if cacheOnly {
		return nil, nil
	}

	results, err := r.searchChannels(ctx, strings.Join(prefixes, "|"))
	if err != nil {
		return nil, fmt.Errorf("resolve.Resolver.ChannelByTitleFragment: %w", err)
	}

	for _, result := range results {
		guest, err := r.ChannelByExternalID(ctx, result.ResultID, false)
		if err != nil {
			if IsFatal(err) {
				return nil, fmt.Errorf("resolve.Resolver.ChannelByTitleFragment: %w", err)
			}

			ctxlogger.GetLogger(ctx).WithError(err).WithField("channel_external_id", result.ResultID).Warn("could not resolve search result")
			continue
		}

		for _, prefix := range prefixes {
			if guest.Title == prefix {
				return guest, nil
			}
		}
	}

	ctxlogger.GetLogger(ctx).WithField("tag", tag).Warn("could not find channel for title tag")

	return nil, nil
}

// TargetChannel resolves a crawl target by channel name, requiring an
// exact title match among the search results. Ambiguous or partial
// matches are rejected, not guessed.
func (r *Resolver) TargetChannel(ctx context.Context, name string) (*models.Channel, error) {
	results, err := r.searchChannels(ctx, name)
	if err != nil {
		if errors.Is(err, ytapi.ErrNoItems) {
			return nil, &NotFoundError{Term: name}
		}

		return nil, fmt.Errorf("resolve.Resolver.TargetChannel: %w", err)
	}

	for _, result := range results {
		if result.Title == name {
			channel, err := r.ChannelByExternalID(ctx, result.ResultID, false)
			if err != nil {
				return nil, fmt.Errorf("resolve.Resolver.TargetChannel: %w", err)
			}

			return channel, nil
		}
	}

	return nil, &NotFoundError{Term: name}
}

// VideoByExternalID resolves a single video. Videos fetched by direct
// lookup are deliberately not cached; caching them would break the
// uploads-playlist refresh boundary, which relies on the video table
// only containing playlist-fetched rows.
func (r *Resolver) VideoByExternalID(ctx context.Context, externalID string, cacheOnly bool) (*models.Video, error) {
	cached, err := r.store.VideoByExternalID(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("resolve.Resolver.VideoByExternalID: %w", err)
	}
	if cached != nil || cacheOnly {
		return cached, nil
	}

	fetched, err := r.api.VideoByID(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("resolve.Resolver.VideoByExternalID: could not fetch video: %w", err)
	}

	return &models.Video{
		ExternalID:        fetched.ID,
		ChannelExternalID: fetched.ChannelID,
		Title:             fetched.Title,
		Description:       fetched.Description,
		ThumbnailURL:      fetched.ThumbnailURL,
		PublishedAt:       fetched.PublishedAt,
	}, nil
}

// searchChannels performs a channel search through the search-result
// cache; a term is searched at most once, ever.
func (r *Resolver) searchChannels(ctx context.Context, term string) ([]models.SearchResult, error) {
	cached, err := r.store.SearchResults(ctx, term, models.SearchKindChannel)
	if err != nil {
		return nil, fmt.Errorf("resolve.Resolver.searchChannels: %w", err)
	}
	if len(cached) > 0 {
		return cached, nil
	}

	items, err := r.api.Search(ctx, term, ytapi.SearchKindChannel, 10)
	if err != nil {
		return nil, fmt.Errorf("resolve.Resolver.searchChannels: could not search: %w", err)
	}

	results := make([]models.SearchResult, 0, len(items))
	for _, item := range items {
		if item.Kind != ytapi.SearchKindChannel {
			continue
		}

		results = append(results, models.SearchResult{
			ResultID: item.ID,
			Title:    item.Title,
		})
	}

	if err := r.store.PutSearchResults(ctx, term, models.SearchKindChannel, results); err != nil {
		return nil, fmt.Errorf("resolve.Resolver.searchChannels: %w", err)
	}

	ctxlogger.GetLogger(ctx).WithFields(logrus.Fields{
		"term":    term,
		"results": len(results),
	}).Debug("searched for channels")

	return results, nil
}
