package models

import (
	"time"

	"fknsrs.biz/p/sixdegrees/internal/sqlbuilderutil"
)

var (
	HistoryTable *sqlbuilderutil.Table
)

func init() {
	HistoryTable = sqlbuilderutil.MustMakeTable(History{})
}

// History tracks previously crawled target channels and how often each
// has been requested.
type History struct {
	ID                int `sql:",table:history"`
	CreatedAt         time.Time
	ChannelExternalID string
	Popularity        int
}
