// Package search provides full-text search over assessments and actions,
// preferring Meilisearch when configured and healthy, with a PostgreSQL FTS
// fallback so search keeps working when Meilisearch is down.
package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultDocument ResultType = "document"
	ResultAction   ResultType = "action"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	Reference  string     `json:"reference,omitempty"`
	DocumentID string     `json:"documentId"`
	LineageID  string     `json:"lineageId"`
	Status     string     `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text            string
	FilterType      ResultType // empty = all types
	FilterLineageID string
	Limit           int
	Offset          int
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

// DocumentRecord is the data we index for an assessment version.
type DocumentRecord struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	SiteName      string `json:"siteName"`
	LineageID     string `json:"lineageId"`
	VersionNumber int    `json:"versionNumber"`
	Status        string `json:"status"`
}

// ActionRecord is the data we index for a register action.
type ActionRecord struct {
	ID         string `json:"id"`
	Reference  string `json:"reference"`
	Title      string `json:"title"`
	Detail     string `json:"detail"`
	DocumentID string `json:"documentId"`
	LineageID  string `json:"lineageId"`
	Status     string `json:"status"`
	SectionKey string `json:"sectionKey"`
}
