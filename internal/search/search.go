package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Snippet string `json:"snippet"`
	OwnerID string `json:"ownerId"`
}

// Query describes a search request. UserID scopes results to maps the
// requesting user participates in.
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

// Searcher can execute a full-text search over maps.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// MapRecord is the data we index for a map. Node titles are flattened into
// the record so searching "mitochondria" finds the map containing that node.
type MapRecord struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	NodeTitles     []string `json:"nodeTitles"`
	OwnerID        string   `json:"ownerId"`
	ParticipantIDs []string `json:"participantIds"`
}
