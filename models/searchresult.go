package models

import (
	"time"

	"fknsrs.biz/p/sixdegrees/internal/sqlbuilderutil"
)

const (
	SearchKindChannel = "channel"
	SearchKindVideo   = "video"
)

var (
	SearchResultTable *sqlbuilderutil.Table
)

func init() {
	SearchResultTable = sqlbuilderutil.MustMakeTable(SearchResult{})
}

// SearchResult is one row of a cached free-text search response. A term is
// always cached in full (every result the API returned, with Position
// preserving relevance order), never partially.
type SearchResult struct {
	ID         int `sql:",table:search_results"`
	CreatedAt  time.Time
	SearchTerm string
	Kind       string
	ResultID   string
	Title      string
	Position   int
}
