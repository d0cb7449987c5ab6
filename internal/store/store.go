// Package store is the persistence layer for channels, videos,
// collaborations, and the various resolution caches. All writes are
// idempotent so that concurrent crawl workers racing to record the same
// fact converge on a single row.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"fknsrs.biz/p/sorm"

	"fknsrs.biz/p/sixdegrees/internal/ptr"
	"fknsrs.biz/p/sixdegrees/models"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// withTx runs fn inside a transaction; sorm record writes only operate
// on *sql.Tx. fn's own error comes back unwrapped so callers can still
// inspect it.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store.withTx: could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store.withTx: could not commit transaction: %w", err)
	}

	return nil
}

// channels

func (s *Store) ChannelByExternalID(ctx context.Context, externalID string) (*models.Channel, error) {
	return s.channelWhere(ctx, "where external_id = ?", externalID)
}

func (s *Store) ChannelByTitle(ctx context.Context, title string) (*models.Channel, error) {
	return s.channelWhere(ctx, "where title = ?", title)
}

func (s *Store) ChannelByUsername(ctx context.Context, username string) (*models.Channel, error) {
	return s.channelWhere(ctx, "where username = ?", strings.ToLower(username))
}

func (s *Store) ChannelByCustomURL(ctx context.Context, customURL string) (*models.Channel, error) {
	return s.channelWhere(ctx, "where custom_url = ?", strings.ToLower(customURL))
}

func (s *Store) channelWhere(ctx context.Context, query string, args ...interface{}) (*models.Channel, error) {
	var channel models.Channel
	if err := sorm.FindFirstWhere(ctx, s.db, &channel, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}

		return nil, fmt.Errorf("store.channelWhere: could not find channel record: %w", err)
	}

	return &channel, nil
}

// UpsertChannel records a channel if it isn't already known, and
// returns the stored row either way. Two workers resolving the same
// channel concurrently converge: the loser of the insert race re-reads
// the winner's row.
func (s *Store) UpsertChannel(ctx context.Context, channel *models.Channel) (*models.Channel, error) {
	if channel.CustomURL != nil {
		channel.CustomURL = ptr.String(strings.ToLower(*channel.CustomURL))
	}
	if channel.Username != nil {
		channel.Username = ptr.String(strings.ToLower(*channel.Username))
	}

	existing, err := s.ChannelByExternalID(ctx, channel.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("store.UpsertChannel: %w", err)
	}

	if existing != nil {
		if channel.Username != nil && existing.Username == nil {
			existing.Username = channel.Username
			if err := s.withTx(ctx, func(tx *sql.Tx) error {
				return sorm.SaveRecord(ctx, tx, existing)
			}); err != nil {
				return nil, fmt.Errorf("store.UpsertChannel: could not save channel record: %w", err)
			}
		}

		return existing, nil
	}

	if channel.CreatedAt.IsZero() {
		channel.CreatedAt = time.Now()
	}

	if err := s.withTx(ctx, func(tx *sql.Tx) error {
		return sorm.CreateRecord(ctx, tx, channel)
	}); err != nil {
		if isUniqueViolation(err) {
			return s.ChannelByExternalID(ctx, channel.ExternalID)
		}

		return nil, fmt.Errorf("store.UpsertChannel: could not create channel record: %w", err)
	}

	return channel, nil
}

// SetChannelUsername merges a newly-discovered username onto an
// already-cached channel. Username lookups don't echo the username
// back, so this is the only way it ever gets populated after the fact.
func (s *Store) SetChannelUsername(ctx context.Context, externalID, username string) (*models.Channel, error) {
	channel, err := s.ChannelByExternalID(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("store.SetChannelUsername: %w", err)
	}
	if channel == nil {
		return nil, fmt.Errorf("store.SetChannelUsername: no channel record with external id %q", externalID)
	}

	channel.Username = ptr.String(strings.ToLower(username))

	if err := s.withTx(ctx, func(tx *sql.Tx) error {
		return sorm.SaveRecord(ctx, tx, channel)
	}); err != nil {
		return nil, fmt.Errorf("store.SetChannelUsername: could not save channel record: %w", err)
	}

	return channel, nil
}

func (s *Store) MarkChannelProcessed(ctx context.Context, externalID string) error {
	channel, err := s.ChannelByExternalID(ctx, externalID)
	if err != nil {
		return fmt.Errorf("store.MarkChannelProcessed: %w", err)
	}
	if channel == nil {
		return fmt.Errorf("store.MarkChannelProcessed: no channel record with external id %q", externalID)
	}

	channel.Processed = true

	if err := s.withTx(ctx, func(tx *sql.Tx) error {
		return sorm.SaveRecord(ctx, tx, channel)
	}); err != nil {
		return fmt.Errorf("store.MarkChannelProcessed: could not save channel record: %w", err)
	}

	return nil
}

// videos

func (s *Store) VideoByExternalID(ctx context.Context, externalID string) (*models.Video, error) {
	var video models.Video
	if err := sorm.FindFirstWhere(ctx, s.db, &video, "where external_id = ?", externalID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}

		return nil, fmt.Errorf("store.VideoByExternalID: could not find video record: %w", err)
	}

	return &video, nil
}

func (s *Store) VideosForChannel(ctx context.Context, channelExternalID string) ([]models.Video, error) {
	var videos []models.Video
	if err := sorm.FindWhere(ctx, s.db, &videos, "where channel_external_id = ? order by published_at desc", channelExternalID); err != nil {
		return nil, fmt.Errorf("store.VideosForChannel: could not find video records: %w", err)
	}

	return videos, nil
}

// UnprocessedVideosForChannel returns the channel's videos that haven't
// yet been extracted in the context of targetChannelExternalID, newest
// first.
func (s *Store) UnprocessedVideosForChannel(ctx context.Context, channelExternalID, targetChannelExternalID string) ([]models.Video, error) {
	var videos []models.Video
	// processed_for is a json array, so match the quoted element to
	// keep one channel id from shadowing another it is a prefix of
	if err := sorm.FindWhere(ctx, s.db, &videos, "where channel_external_id = ? and processed_for not like ? order by published_at desc", channelExternalID, `%"`+targetChannelExternalID+`"%`); err != nil {
		return nil, fmt.Errorf("store.UnprocessedVideosForChannel: could not find video records: %w", err)
	}

	return videos, nil
}

// LatestVideoForChannel returns the most recently published cached
// video, or nil when nothing is cached. It marks the pagination
// boundary for incremental upload fetches.
func (s *Store) LatestVideoForChannel(ctx context.Context, channelExternalID string) (*models.Video, error) {
	var video models.Video
	if err := sorm.FindFirstWhere(ctx, s.db, &video, "where channel_external_id = ? order by published_at desc", channelExternalID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}

		return nil, fmt.Errorf("store.LatestVideoForChannel: could not find video record: %w", err)
	}

	return &video, nil
}

// CreateVideo inserts a video, reporting created=false if it is already
// cached. Same-day uploads can arrive out of order, so an
// already-cached video partway through a page is expected.
func (s *Store) CreateVideo(ctx context.Context, video *models.Video) (bool, error) {
	existing, err := s.VideoByExternalID(ctx, video.ExternalID)
	if err != nil {
		return false, fmt.Errorf("store.CreateVideo: %w", err)
	}
	if existing != nil {
		return false, nil
	}

	if video.CreatedAt.IsZero() {
		video.CreatedAt = time.Now()
	}
	if video.ProcessedFor == nil {
		video.ProcessedFor = []string{}
	}

	if err := s.withTx(ctx, func(tx *sql.Tx) error {
		return sorm.CreateRecord(ctx, tx, video)
	}); err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}

		return false, fmt.Errorf("store.CreateVideo: could not create video record: %w", err)
	}

	return true, nil
}

// SaveVideo persists in-place mutations, i.e. expanded descriptions and
// the processed-for list.
func (s *Store) SaveVideo(ctx context.Context, video *models.Video) error {
	if err := s.withTx(ctx, func(tx *sql.Tx) error {
		return sorm.SaveRecord(ctx, tx, video)
	}); err != nil {
		return fmt.Errorf("store.SaveVideo: could not save video record: %w", err)
	}

	return nil
}

// MarkVideoProcessedFor appends the target channel to the video's
// processed-for list. Adding the same target twice is a no-op.
func (s *Store) MarkVideoProcessedFor(ctx context.Context, videoExternalID, targetChannelExternalID string) error {
	video, err := s.VideoByExternalID(ctx, videoExternalID)
	if err != nil {
		return fmt.Errorf("store.MarkVideoProcessedFor: %w", err)
	}
	if video == nil {
		return fmt.Errorf("store.MarkVideoProcessedFor: no video record with external id %q", videoExternalID)
	}

	if video.ProcessedForChannel(targetChannelExternalID) {
		return nil
	}

	video.ProcessedFor = append(video.ProcessedFor, targetChannelExternalID)

	if err := s.withTx(ctx, func(tx *sql.Tx) error {
		return sorm.SaveRecord(ctx, tx, video)
	}); err != nil {
		return fmt.Errorf("store.MarkVideoProcessedFor: could not save video record: %w", err)
	}

	return nil
}

// url lookups

func (s *Store) URLLookup(ctx context.Context, original string) (*models.URLLookup, error) {
	var lookup models.URLLookup
	if err := sorm.FindFirstWhere(ctx, s.db, &lookup, "where original = ?", original); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}

		return nil, fmt.Errorf("store.URLLookup: could not find url lookup record: %w", err)
	}

	return &lookup, nil
}

func (s *Store) PutURLLookup(ctx context.Context, original, resolved string, isUsername bool) error {
	existing, err := s.URLLookup(ctx, original)
	if err != nil {
		return fmt.Errorf("store.PutURLLookup: %w", err)
	}
	if existing != nil {
		return nil
	}

	lookup := models.URLLookup{
		CreatedAt:  time.Now(),
		Original:   original,
		Resolved:   resolved,
		IsUsername: isUsername,
	}

	if err := s.withTx(ctx, func(tx *sql.Tx) error {
		return sorm.CreateRecord(ctx, tx, &lookup)
	}); err != nil {
		if isUniqueViolation(err) {
			return nil
		}

		return fmt.Errorf("store.PutURLLookup: could not create url lookup record: %w", err)
	}

	return nil
}

// search results

// SearchResults returns the cached results for a term, in the order the
// platform returned them. Empty means the term has never been searched;
// a term is always cached in full, never partially.
func (s *Store) SearchResults(ctx context.Context, term, kind string) ([]models.SearchResult, error) {
	var results []models.SearchResult
	if err := sorm.FindWhere(ctx, s.db, &results, "where search_term = ? and kind = ? order by position asc", term, kind); err != nil {
		return nil, fmt.Errorf("store.SearchResults: could not find search result records: %w", err)
	}

	return results, nil
}

func (s *Store) PutSearchResults(ctx context.Context, term, kind string, results []models.SearchResult) error {
	existing, err := s.SearchResults(ctx, term, kind)
	if err != nil {
		return fmt.Errorf("store.PutSearchResults: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	// one transaction so a term is never cached partially
	if err := s.withTx(ctx, func(tx *sql.Tx) error {
		for i := range results {
			results[i].SearchTerm = term
			results[i].Kind = kind
			results[i].Position = i
			if results[i].CreatedAt.IsZero() {
				results[i].CreatedAt = time.Now()
			}

			if err := sorm.CreateRecord(ctx, tx, &results[i]); err != nil {
				return err
			}
		}

		return nil
	}); err != nil {
		return fmt.Errorf("store.PutSearchResults: could not create search result records: %w", err)
	}

	return nil
}

// collaborations

// AddCollaboration records an unordered channel pairing for a video.
// Self pairings are rejected by external id equality, and re-adding an
// existing pair+video is a no-op; it reports whether a row was created.
func (s *Store) AddCollaboration(ctx context.Context, channelExternalID1, channelExternalID2, videoExternalID string) (bool, error) {
	if channelExternalID1 == channelExternalID2 {
		return false, nil
	}

	a, b := models.CanonicalPair(channelExternalID1, channelExternalID2)

	var existing models.Collaboration
	err := sorm.FindFirstWhere(ctx, s.db, &existing, "where channel_a_external_id = ? and channel_b_external_id = ? and video_external_id = ?", a, b, videoExternalID)
	if err == nil {
		return false, nil
	}
	if err != sql.ErrNoRows {
		return false, fmt.Errorf("store.AddCollaboration: could not find collaboration record: %w", err)
	}

	collaboration := models.Collaboration{
		CreatedAt:          time.Now(),
		ChannelAExternalID: a,
		ChannelBExternalID: b,
		VideoExternalID:    videoExternalID,
	}

	if err := s.withTx(ctx, func(tx *sql.Tx) error {
		return sorm.CreateRecord(ctx, tx, &collaboration)
	}); err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}

		return false, fmt.Errorf("store.AddCollaboration: could not create collaboration record: %w", err)
	}

	return true, nil
}

// CollaborationsAmong returns every collaboration whose both endpoints
// lie within the given channel set.
func (s *Store) CollaborationsAmong(ctx context.Context, channelExternalIDs []string) ([]models.Collaboration, error) {
	if len(channelExternalIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(channelExternalIDs)), ", ")

	args := make([]interface{}, 0, len(channelExternalIDs)*2)
	for _, id := range channelExternalIDs {
		args = append(args, id)
	}
	for _, id := range channelExternalIDs {
		args = append(args, id)
	}

	var collaborations []models.Collaboration
	query := fmt.Sprintf("where channel_a_external_id in (%s) and channel_b_external_id in (%s) order by id asc", placeholders, placeholders)
	if err := sorm.FindWhere(ctx, s.db, &collaborations, query, args...); err != nil {
		return nil, fmt.Errorf("store.CollaborationsAmong: could not find collaboration records: %w", err)
	}

	return collaborations, nil
}

// CollaborationsBetween returns every collaboration between exactly two
// channels, one row per video.
func (s *Store) CollaborationsBetween(ctx context.Context, channelExternalID1, channelExternalID2 string) ([]models.Collaboration, error) {
	a, b := models.CanonicalPair(channelExternalID1, channelExternalID2)

	var collaborations []models.Collaboration
	if err := sorm.FindWhere(ctx, s.db, &collaborations, "where channel_a_external_id = ? and channel_b_external_id = ? order by id asc", a, b); err != nil {
		return nil, fmt.Errorf("store.CollaborationsBetween: could not find collaboration records: %w", err)
	}

	return collaborations, nil
}

// history

// RecordCrawl bumps the popularity counter for a crawl target, creating
// the row on first crawl.
func (s *Store) RecordCrawl(ctx context.Context, channelExternalID string) error {
	var entry models.History
	err := sorm.FindFirstWhere(ctx, s.db, &entry, "where channel_external_id = ?", channelExternalID)
	if err == nil {
		entry.Popularity++
		if err := s.withTx(ctx, func(tx *sql.Tx) error {
			return sorm.SaveRecord(ctx, tx, &entry)
		}); err != nil {
			return fmt.Errorf("store.RecordCrawl: could not save history record: %w", err)
		}

		return nil
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("store.RecordCrawl: could not find history record: %w", err)
	}

	entry = models.History{
		CreatedAt:         time.Now(),
		ChannelExternalID: channelExternalID,
		Popularity:        1,
	}

	if err := s.withTx(ctx, func(tx *sql.Tx) error {
		return sorm.CreateRecord(ctx, tx, &entry)
	}); err != nil {
		return fmt.Errorf("store.RecordCrawl: could not create history record: %w", err)
	}

	return nil
}

func (s *Store) TopCrawls(ctx context.Context, limit int) ([]models.History, error) {
	if limit <= 0 {
		limit = 10
	}

	var entries []models.History
	if err := sorm.FindWhere(ctx, s.db, &entries, fmt.Sprintf("order by popularity desc limit %d", limit)); err != nil {
		return nil, fmt.Errorf("store.TopCrawls: could not find history records: %w", err)
	}

	return entries, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
