package models

import "time"

// Ask is one answered (or attempted) question, kept for history.
type Ask struct {
	ID         string    `json:"id"`
	Question   string    `json:"question"`
	Answer     string    `json:"answer"`
	DocTitle   string    `json:"docTitle"`
	DocAuthor  string    `json:"docAuthor,omitempty"`
	DocYear    int       `json:"docYear,omitempty"`
	Score      float64   `json:"score"`
	Provider   string    `json:"provider,omitempty"`
	Model      string    `json:"model,omitempty"`
	DurationMS int64     `json:"durationMs"`
	CreatedAt  time.Time `json:"createdAt"`
}

// DocumentInfo is the public listing shape for one corpus document; the
// body text stays server-side.
type DocumentInfo struct {
	Title  string `json:"title"`
	Author string `json:"author"`
	Year   int    `json:"year"`
}
