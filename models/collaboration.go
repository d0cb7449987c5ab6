package models

import (
	"time"

	"fknsrs.biz/p/sixdegrees/internal/sqlbuilderutil"
)

var (
	CollaborationTable *sqlbuilderutil.Table
)

func init() {
	CollaborationTable = sqlbuilderutil.MustMakeTable(Collaboration{})
}

// Collaboration is an unordered pairing of two distinct channels
// associated with one video. The two channel external IDs are always
// stored in canonical order (A < B) so that the unordered pair {A,B}
// has exactly one representation and dedup is a plain equality lookup.
type Collaboration struct {
	ID                 int `sql:",table:collaborations"`
	CreatedAt          time.Time
	ChannelAExternalID string
	ChannelBExternalID string
	VideoExternalID    string
}

// CanonicalPair returns the two channel external IDs in storage order.
func CanonicalPair(channelExternalID1, channelExternalID2 string) (string, string) {
	if channelExternalID1 > channelExternalID2 {
		return channelExternalID2, channelExternalID1
	}

	return channelExternalID1, channelExternalID2
}
