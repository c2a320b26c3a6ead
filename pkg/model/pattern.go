package model

import "time"

// Pattern is one indexed chart. ID equals the position of its vector in the
// similarity index; rows are stored and loaded in ID order.
type Pattern struct {
	ID        int64     `json:"id"`
	Symbol    string    `json:"symbol"`
	EndDate   time.Time `json:"end_date"`
	ImagePath string    `json:"image_path"`
	EndIndex  int       `json:"end_index"`
	SeriesLen int       `json:"series_len"`
}

// ForwardBars is the number of bars recorded after the pattern's window end.
func (p *Pattern) ForwardBars() int {
	return p.SeriesLen - p.EndIndex - 1
}

// Labelable reports whether at least maxHold bars follow the window end.
func (p *Pattern) Labelable(maxHold int) bool {
	return p.ForwardBars() >= maxHold
}

// Match is a similarity hit against the index.
type Match struct {
	Pattern Pattern `json:"pattern"`
	Score   float64 `json:"score"`
}

// Fundamentals holds the valuation inputs the scorer consumes. Zero values
// mean the provider had no figure.
type Fundamentals struct {
	Symbol     string    `json:"symbol"`
	TrailingPE float64   `json:"trailing_pe"`
	ForwardPE  float64   `json:"forward_pe"`
	ROE        float64   `json:"roe"`
	HasPE      bool      `json:"has_pe"`
	HasROE     bool      `json:"has_roe"`
	FetchedAt  time.Time `json:"fetched_at"`
}
