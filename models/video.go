package models

import (
	"time"

	"fknsrs.biz/p/sixdegrees/internal/sqlbuilderutil"
	"fknsrs.biz/p/sixdegrees/internal/sqltypes"
)

var (
	VideoTable *sqlbuilderutil.Table
)

func init() {
	VideoTable = sqlbuilderutil.MustMakeTable(Video{})
}

// Video is one uploaded work. ProcessedFor records which target-channel
// crawls have already extracted this video's collaborators, so repeat
// crawls of the same target are incremental rather than a full redo.
// LinksResolved marks that shortened links in the description have been
// expanded; that rewrite must happen exactly once.
type Video struct {
	ID                int `sql:",table:videos"`
	CreatedAt         time.Time
	ExternalID        string
	ChannelExternalID string
	Title             string
	Description       string
	ThumbnailURL      string
	PublishedAt       time.Time
	ProcessedFor      sqltypes.JSONStringSlice
	LinksResolved     bool
}

// ProcessedForChannel reports whether collaborators have already been
// extracted from this video in the context of the given target channel.
func (v *Video) ProcessedForChannel(channelExternalID string) bool {
	for _, id := range v.ProcessedFor {
		if id == channelExternalID {
			return true
		}
	}

	return false
}
