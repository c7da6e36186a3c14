package sqlite

import "time"

// QueryRecord is one answered or failed question
type QueryRecord struct {
	ID            int64     `json:"id"`
	QueryID       string    `json:"query_id"`
	AirportCode   string    `json:"airport_code"`
	Question      string    `json:"question"`
	Answer        string    `json:"answer,omitempty"`
	ErrorKind     string    `json:"error_kind,omitempty"` // empty on success
	ShapingLevel  string    `json:"shaping_level,omitempty"`
	TotalArrivals int       `json:"total_arrivals"`
	RecordCount   int       `json:"record_count"`
	DurationMs    int64     `json:"duration_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

// Succeeded reports whether the query produced an answer
func (r *QueryRecord) Succeeded() bool {
	return r.ErrorKind == ""
}
