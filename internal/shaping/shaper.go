package shaping

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/yegors/flightqa/internal/airports"
	qaerrors "github.com/yegors/flightqa/internal/errors"
	"github.com/yegors/flightqa/internal/schedule"
	"github.com/yegors/flightqa/pkg/logger"
)

// Level records how far a dataset had to be reduced
type Level string

const (
	LevelFull       Level = "full"
	LevelCompact    Level = "compact"
	LevelAggregated Level = "aggregated"
	LevelTruncated  Level = "truncated"
)

// OriginSummary collapses all arrivals from one origin. Country is set when
// the records carry one; otherwise Origin holds the city or airport code.
type OriginSummary struct {
	Country  string         `json:"country,omitempty"`
	Origin   string         `json:"origin,omitempty"`
	Arrivals int            `json:"arrivals"`
	Carriers map[string]int `json:"carriers,omitempty"`
	Cities   map[string]int `json:"cities,omitempty"`
}

// Omitted accounts for origins cut by truncation
type Omitted struct {
	Origins  int `json:"origins"`
	Arrivals int `json:"arrivals"`
}

// Context is a dataset rendered to fit a token budget
type Context struct {
	Airport       airports.Code
	Text          string
	Tokens        int
	Level         Level
	Empty         bool
	TotalArrivals int
	RecordCount   int            // individual records present in Text
	CountryCounts map[string]int // arrivals per origin country over the whole dataset
	CarrierCounts map[string]int // arrivals per carrier over the whole dataset
	Origins       []OriginSummary
	Omitted       *Omitted
}

// document is the serialized form of a Context
type document struct {
	Airport       string          `json:"airport"`
	FetchedAt     string          `json:"fetched_at,omitempty"`
	TotalArrivals int             `json:"total_arrivals"`
	Countries     map[string]int  `json:"arrivals_by_country,omitempty"`
	NoCountry     int             `json:"arrivals_without_country,omitempty"`
	Carriers      map[string]int  `json:"arrivals_by_carrier,omitempty"`
	Cities        map[string]int  `json:"arrivals_by_city,omitempty"`
	Flights       []flightEntry   `json:"flights,omitempty"`
	Origins       []OriginSummary `json:"origins,omitempty"`
	Omitted       *Omitted        `json:"omitted,omitempty"`
}

// flightEntry is one record; compact entries leave the low-signal fields empty
type flightEntry struct {
	Flight      string `json:"flight"`
	Carrier     string `json:"carrier,omitempty"`
	CarrierName string `json:"carrier_name,omitempty"`
	FromAirport string `json:"from_airport,omitempty"`
	FromCity    string `json:"from_city,omitempty"`
	FromCountry string `json:"from_country,omitempty"`
	Scheduled   string `json:"scheduled,omitempty"`
	Status      string `json:"status,omitempty"`
	Terminal    string `json:"terminal,omitempty"`
}

// originGroup is the set of record indexes sharing an origin
type originGroup struct {
	key     string
	name    string
	country bool
	indexes []int
}

// unknownCarrier counts records that name no carrier
const unknownCarrier = "unknown"

// Shaper reduces datasets to a token budget. Output depends only on the
// dataset, the budget and the estimator.
type Shaper struct {
	estimator Estimator
	logger    *logger.Logger
}

// NewShaper creates a shaper using the given estimator
func NewShaper(estimator Estimator, logger *logger.Logger) *Shaper {
	if estimator == nil {
		estimator = CharEstimator{}
	}
	return &Shaper{
		estimator: estimator,
		logger:    logger.Named("shaper"),
	}
}

// Estimator returns the estimator the shaper measures with
func (s *Shaper) Estimator() Estimator {
	return s.estimator
}

// Shape renders the dataset within budget tokens. Reduction stops at the
// first level that fits: full records, compact records, origin aggregation
// (largest origins first), then truncation of the smallest origins. Returns
// CONTEXT_TOO_LARGE if even the bare skeleton does not fit.
func (s *Shaper) Shape(dataset *schedule.Dataset, budget int) (*Context, error) {
	if dataset == nil {
		return nil, fmt.Errorf("nil dataset")
	}

	records := dataset.Records
	groups := groupByOrigin(records)
	counts := make(map[string]int, len(groups))
	noCountry := 0
	for _, g := range groups {
		if g.country {
			counts[g.name] = len(g.indexes)
		} else {
			noCountry += len(g.indexes)
		}
	}
	carriers, cities := tally(records)

	base := document{
		Airport:       string(dataset.Airport),
		TotalArrivals: len(records),
	}
	if !dataset.FetchedAt.IsZero() {
		base.FetchedAt = dataset.FetchedAt.UTC().Format(time.RFC3339)
	}

	result := &Context{
		Airport:       dataset.Airport,
		Empty:         len(records) == 0,
		TotalArrivals: len(records),
		CountryCounts: counts,
		CarrierCounts: carriers,
	}

	if len(records) == 0 {
		if text, tokens, ok := s.fits(base, budget); ok {
			return s.finish(result, text, tokens, LevelFull, 0, nil, nil), nil
		}
		return nil, s.tooLarge(base, budget)
	}

	if len(counts) > 0 {
		base.Countries = counts
	}
	base.NoCountry = noCountry
	base.Carriers = carriers
	if len(cities) > 0 {
		base.Cities = cities
	}

	// full records
	doc := base
	doc.Flights = flightEntries(records, nil, true)
	if text, tokens, ok := s.fits(doc, budget); ok {
		return s.finish(result, text, tokens, LevelFull, len(records), nil, nil), nil
	}

	// compact records
	doc.Flights = flightEntries(records, nil, false)
	if text, tokens, ok := s.fits(doc, budget); ok {
		return s.finish(result, text, tokens, LevelCompact, len(records), nil, nil), nil
	}

	// collapse origins one at a time, largest first
	aggregated := make(map[int]bool, len(records))
	for k := 1; k <= len(groups); k++ {
		for _, idx := range groups[k-1].indexes {
			aggregated[idx] = true
		}

		doc := base
		doc.Origins = summarize(records, groups[:k], true)
		doc.Flights = flightEntries(records, aggregated, false)
		if text, tokens, ok := s.fits(doc, budget); ok {
			return s.finish(result, text, tokens, LevelAggregated, len(doc.Flights), doc.Origins, nil), nil
		}
	}

	// keep the largest origins that fit and account for the rest; the
	// dataset-wide count maps do not survive this level
	slim := summarize(records, groups, false)
	truncated := func(n int) document {
		doc := document{
			Airport:       base.Airport,
			FetchedAt:     base.FetchedAt,
			TotalArrivals: base.TotalArrivals,
			Origins:       slim[:n],
		}
		if n < len(slim) {
			omitted := &Omitted{Origins: len(slim) - n}
			for _, o := range slim[n:] {
				omitted.Arrivals += o.Arrivals
			}
			doc.Omitted = omitted
		}
		return doc
	}

	if _, _, ok := s.fits(truncated(0), budget); !ok {
		return nil, s.tooLarge(truncated(0), budget)
	}

	lo, hi := 0, len(slim)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if _, _, ok := s.fits(truncated(mid), budget); ok {
			lo = mid
		} else {
			hi = mid - 1
		}
	}

	doc = truncated(lo)
	text, tokens, _ := s.fits(doc, budget)

	s.logger.Debug("Truncated schedule context",
		logger.String("airport", base.Airport),
		logger.Int("origins_kept", lo),
		logger.Int("origins_total", len(slim)),
		logger.Int("budget", budget),
		logger.Int("tokens", tokens))

	return s.finish(result, text, tokens, LevelTruncated, 0, doc.Origins, doc.Omitted), nil
}

// finish fills in the rendered parts of the result
func (s *Shaper) finish(result *Context, text string, tokens int, level Level, records int, origins []OriginSummary, omitted *Omitted) *Context {
	result.Text = text
	result.Tokens = tokens
	result.Level = level
	result.RecordCount = records
	result.Origins = origins
	result.Omitted = omitted
	return result
}

// fits serializes doc and reports whether it is within budget
func (s *Shaper) fits(doc document, budget int) (string, int, bool) {
	b, err := json.Marshal(doc)
	if err != nil {
		// document holds only strings, ints and maps of them
		panic(fmt.Sprintf("shaping: marshal document: %v", err))
	}
	text := string(b)
	tokens := s.estimator.Estimate(text)
	return text, tokens, tokens <= budget
}

// tooLarge builds the CONTEXT_TOO_LARGE error for the smallest possible doc
func (s *Shaper) tooLarge(minimal document, budget int) error {
	_, tokens, _ := s.fits(minimal, budget)
	s.logger.Warn("Schedule context does not fit budget",
		logger.String("airport", minimal.Airport),
		logger.Int("budget", budget),
		logger.Int("minimum", tokens))
	return qaerrors.NewContextTooLarge(budget, tokens)
}

// originKey names the origin of a record and reports whether the name is a
// country. Records without a country fall back to their city, then airport.
func originKey(r schedule.ArrivalRecord) (string, bool) {
	switch {
	case r.OriginCountry != "":
		return r.OriginCountry, true
	case r.OriginCity != "":
		return r.OriginCity, false
	default:
		return r.OriginAirport, false
	}
}

// tally counts arrivals per carrier and per known origin city
func tally(records []schedule.ArrivalRecord) (carriers, cities map[string]int) {
	carriers = make(map[string]int)
	cities = make(map[string]int)
	for _, r := range records {
		carriers[carrierKey(r)]++
		if r.OriginCity != "" {
			cities[r.OriginCity]++
		}
	}
	return carriers, cities
}

// groupByOrigin groups records, largest group first, ties by name
func groupByOrigin(records []schedule.ArrivalRecord) []originGroup {
	byKey := make(map[string]*originGroup)
	var groups []*originGroup
	for i, r := range records {
		name, country := originKey(r)
		// a city may share its name with a country
		key := name
		if !country {
			key = "~" + name
		}
		g, ok := byKey[key]
		if !ok {
			g = &originGroup{key: key, name: name, country: country}
			byKey[key] = g
			groups = append(groups, g)
		}
		g.indexes = append(g.indexes, i)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		if len(groups[i].indexes) != len(groups[j].indexes) {
			return len(groups[i].indexes) > len(groups[j].indexes)
		}
		return groups[i].key < groups[j].key
	})

	out := make([]originGroup, len(groups))
	for i, g := range groups {
		out[i] = *g
	}
	return out
}

// summarize renders groups as summaries; detailed adds carriers and cities
func summarize(records []schedule.ArrivalRecord, groups []originGroup, detailed bool) []OriginSummary {
	out := make([]OriginSummary, 0, len(groups))
	for _, g := range groups {
		summary := OriginSummary{Arrivals: len(g.indexes)}
		if g.country {
			summary.Country = g.name
		} else {
			summary.Origin = g.name
		}
		if detailed {
			members := make([]schedule.ArrivalRecord, len(g.indexes))
			for i, idx := range g.indexes {
				members[i] = records[idx]
			}
			summary.Carriers, summary.Cities = tally(members)
			if len(summary.Cities) == 0 {
				summary.Cities = nil
			}
		}
		out = append(out, summary)
	}
	return out
}

// flightEntries renders the records not in skip, in dataset order
func flightEntries(records []schedule.ArrivalRecord, skip map[int]bool, full bool) []flightEntry {
	out := make([]flightEntry, 0, len(records))
	for i, r := range records {
		if skip[i] {
			continue
		}
		entry := flightEntry{
			Flight:      r.FlightNumber,
			Carrier:     carrierOf(r),
			FromCity:    r.OriginCity,
			FromCountry: r.OriginCountry,
			Status:      string(r.Status),
		}
		if full {
			entry.Carrier = r.CarrierCode
			entry.CarrierName = r.CarrierName
			entry.FromAirport = r.OriginAirport
			entry.Terminal = r.Terminal
			if !r.ScheduledAt.IsZero() {
				entry.Scheduled = r.ScheduledAt.UTC().Format(time.RFC3339)
			}
		}
		if entry.FromCity == "" && entry.FromCountry == "" {
			entry.FromAirport = r.OriginAirport
		}
		out = append(out, entry)
	}
	return out
}

// carrierKey is carrierOf with a placeholder so counts cover every record
func carrierKey(r schedule.ArrivalRecord) string {
	if c := carrierOf(r); c != "" {
		return c
	}
	return unknownCarrier
}

// carrierOf prefers the IATA carrier code
func carrierOf(r schedule.ArrivalRecord) string {
	if r.CarrierCode != "" {
		return r.CarrierCode
	}
	return r.CarrierName
}
