// Package search provides full-text board search, served by Meilisearch when
// it is reachable and by PostgreSQL full-text search otherwise.
package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	OwnerID string `json:"ownerId"`
}

// Query describes a search request. UserID scopes results to boards the
// caller owns or has a share on.
type Query struct {
	Text   string
	UserID string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// BoardRecord is the data we index for a board. SharedWith carries the user
// ids with a share row, so the index can answer access-scoped queries on its
// own.
type BoardRecord struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	OwnerID     string   `json:"ownerId"`
	SharedWith  []string `json:"sharedWith"`
}
