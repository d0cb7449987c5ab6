package models

import (
	"time"

	"fknsrs.biz/p/sixdegrees/internal/sqlbuilderutil"
)

var (
	URLLookupTable *sqlbuilderutil.Table
)

func init() {
	URLLookupTable = sqlbuilderutil.MustMakeTable(URLLookup{})
}

// URLLookup records the outcome of resolving a vanity URL slug. A slug
// can redirect to another channel URL, or turn out to be a legacy
// username (IsUsername), in which case Resolved holds the username.
// Failed resolutions are never recorded.
type URLLookup struct {
	ID         int `sql:",table:url_lookups"`
	CreatedAt  time.Time
	Original   string
	Resolved   string
	IsUsername bool
}
