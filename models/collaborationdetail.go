package models

import (
	"database/sql"
	"time"

	"fknsrs.biz/p/sixdegrees/internal/sqlbuilderutil"
	"fknsrs.biz/p/sixdegrees/internal/sqltypes"
)

var (
	CollaborationDetailTable *sqlbuilderutil.Table
)

func init() {
	CollaborationDetailTable = sqlbuilderutil.MustMakeTable(CollaborationDetail{})
}

// CollaborationDetail reads from the collaboration_details view, which
// joins both channels and the video onto each collaboration row.
type CollaborationDetail struct {
	CollaborationID        int `sql:",table:collaboration_details"`
	CollaborationCreatedAt time.Time
	ChannelAExternalID     string
	ChannelATitle          string
	ChannelAThumbnailURL   string
	ChannelBExternalID     string
	ChannelBTitle          string
	ChannelBThumbnailURL   string
	VideoExternalID        string
	VideoTitle             string
	VideoPublishedAt       time.Time
}

func (d *CollaborationDetail) OverrideScan(names []string, scanners []sql.Scanner) error {
	for i, name := range names {
		switch name {
		case "CollaborationCreatedAt":
			scanners[i] = &sqltypes.TimeScanner{Value: &d.CollaborationCreatedAt}
		case "VideoPublishedAt":
			scanners[i] = &sqltypes.TimeScanner{Value: &d.VideoPublishedAt}
		}
	}

	return nil
}
