package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/yegors/flightqa/internal/airports"
)

// listPaths are the places a provider payload may keep the arrivals list
var listPaths = []string{
	"airport.pluginData.schedule.arrivals.data",
	"schedule.arrivals.data",
	"arrivals.data",
	"arrivals",
	"data",
}

// parseArrivals normalises a provider payload into a Dataset. Rows without
// a flight number or any origin field are dropped and counted.
func parseArrivals(body []byte, code airports.Code, fetchedAt time.Time) (*Dataset, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid JSON payload")
	}

	root := gjson.ParseBytes(body)

	// FlightAPI wraps the airport object in a single-element array
	if root.IsArray() && root.Get("0.airport").Exists() {
		root = root.Get("0")
	}

	var list gjson.Result
	if root.IsArray() {
		list = root
	} else {
		for _, path := range listPaths {
			if r := root.Get(path); r.IsArray() {
				list = r
				break
			}
		}
	}

	dataset := &Dataset{
		Airport:   code,
		Records:   []ArrivalRecord{},
		FetchedAt: fetchedAt.UTC(),
	}

	list.ForEach(func(_, item gjson.Result) bool {
		record, ok := normalizeRecord(item)
		if !ok {
			dataset.Dropped++
			return true
		}
		dataset.Records = append(dataset.Records, record)
		return true
	})

	return dataset, nil
}

// normalizeRecord maps one provider row onto an ArrivalRecord
func normalizeRecord(item gjson.Result) (ArrivalRecord, bool) {
	f := item.Get("flight")
	if !f.IsObject() {
		f = item
	}

	record := ArrivalRecord{
		FlightNumber:  firstString(f, "identification.number.default", "identification.number.alternative", "flight_number", "flight", "number"),
		CarrierCode:   firstString(f, "airline.code.iata", "airline.code.icao", "carrier_code", "airline_code"),
		CarrierName:   firstString(f, "airline.name", "carrier_name", "airline_name"),
		OriginAirport: strings.ToUpper(firstString(f, "airport.origin.code.iata", "origin.iata", "origin_airport")),
		OriginCity:    firstString(f, "airport.origin.position.region.city", "origin.city", "origin_city"),
		OriginCountry: firstString(f, "airport.origin.position.country.name", "origin.country", "origin_country"),
		ScheduledAt:   scheduledTime(f),
		Status:        normalizeStatus(firstString(f, "status.generic.status.text", "status.text", "status")),
		Terminal:      firstString(f, "airport.destination.info.terminal", "terminal"),
	}

	if record.FlightNumber == "" {
		return ArrivalRecord{}, false
	}
	if record.OriginAirport == "" && record.OriginCity == "" && record.OriginCountry == "" {
		return ArrivalRecord{}, false
	}

	return record, true
}

// firstString returns the first non-empty string value found at paths
func firstString(r gjson.Result, paths ...string) string {
	for _, path := range paths {
		v := r.Get(path)
		if !v.Exists() || v.Type == gjson.Null || v.IsObject() || v.IsArray() {
			continue
		}
		if s := strings.TrimSpace(v.String()); s != "" {
			return s
		}
	}
	return ""
}

// scheduledTime reads the scheduled arrival as unix seconds or RFC3339
func scheduledTime(f gjson.Result) time.Time {
	for _, path := range []string{"time.scheduled.arrival", "scheduled_arrival", "scheduled_time"} {
		v := f.Get(path)
		switch v.Type {
		case gjson.Number:
			if v.Int() > 0 {
				return time.Unix(v.Int(), 0).UTC()
			}
		case gjson.String:
			if t, err := time.Parse(time.RFC3339, v.String()); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}

// normalizeStatus maps free-form provider status text onto Status
func normalizeStatus(text string) Status {
	s := strings.ToLower(strings.TrimSpace(text))
	switch {
	case s == "":
		return StatusUnknown
	case strings.Contains(s, "cancel"):
		return StatusCancelled
	case strings.Contains(s, "divert"):
		return StatusDiverted
	case strings.Contains(s, "landed"), strings.Contains(s, "arrived"):
		return StatusLanded
	case strings.Contains(s, "delay"):
		return StatusDelayed
	case strings.Contains(s, "scheduled"), strings.Contains(s, "estimated"),
		strings.Contains(s, "on time"), strings.Contains(s, "ontime"), strings.Contains(s, "on_time"),
		strings.Contains(s, "en route"), strings.Contains(s, "airborne"), strings.Contains(s, "departed"):
		return StatusOnTime
	default:
		return StatusUnknown
	}
}
