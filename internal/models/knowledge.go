package models

// Document is a knowledge-base snippet returned by a similarity search.
type Document struct {
	Source  string  `json:"source"`
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}
