package models

import (
	"time"

	"fknsrs.biz/p/sixdegrees/internal/sqlbuilderutil"
)

var (
	ChannelTable *sqlbuilderutil.Table
)

func init() {
	ChannelTable = sqlbuilderutil.MustMakeTable(Channel{})
}

// Channel is a creator identity on the platform. ExternalID is the only
// attribute that is guaranteed stable and unique; Title can collide
// across channels, and CustomURL/Username may be absent. Username is
// never returned by username-keyed lookups, so it is only ever filled
// in by a merge after the fact.
type Channel struct {
	ID                int `sql:",table:channels"`
	CreatedAt         time.Time
	ExternalID        string
	Title             string
	UploadsPlaylistID string
	ThumbnailURL      string
	CustomURL         *string
	Username          *string
	Processed         bool
}
