package schedule

import (
	"context"
	"time"

	"github.com/yegors/flightqa/internal/airports"
)

// Status is the normalised state of an arrival
type Status string

const (
	StatusOnTime    Status = "on_time"
	StatusDelayed   Status = "delayed"
	StatusCancelled Status = "cancelled"
	StatusLanded    Status = "landed"
	StatusDiverted  Status = "diverted"
	StatusUnknown   Status = "unknown"
)

// ArrivalRecord is one scheduled or actual arrival at the airport
type ArrivalRecord struct {
	FlightNumber  string    `json:"flight_number"`
	CarrierCode   string    `json:"carrier_code,omitempty"`
	CarrierName   string    `json:"carrier_name,omitempty"`
	OriginAirport string    `json:"origin_airport,omitempty"`
	OriginCity    string    `json:"origin_city,omitempty"`
	OriginCountry string    `json:"origin_country,omitempty"`
	ScheduledAt   time.Time `json:"scheduled_at"`
	Status        Status    `json:"status"`
	Terminal      string    `json:"terminal,omitempty"`
}

// Dataset is the arrivals schedule of one airport as fetched for one request
type Dataset struct {
	Airport   airports.Code   `json:"airport"`
	Records   []ArrivalRecord `json:"records"`
	FetchedAt time.Time       `json:"fetched_at"`
	Dropped   int             `json:"dropped"` // provider rows without flight number or origin
}

// Empty reports whether no usable records were found
func (d *Dataset) Empty() bool {
	return d == nil || len(d.Records) == 0
}

// Clone returns a copy that shares nothing with d
func (d *Dataset) Clone() *Dataset {
	if d == nil {
		return nil
	}
	out := *d
	out.Records = make([]ArrivalRecord, len(d.Records))
	copy(out.Records, d.Records)
	return &out
}

// Fetcher returns the current arrivals dataset for an airport
type Fetcher interface {
	Fetch(ctx context.Context, code airports.Code) (*Dataset, error)
}
