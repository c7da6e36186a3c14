package airports

import (
	"fmt"
	"strings"

	qaerrors "github.com/yegors/flightqa/internal/errors"
)

// Code is an IATA airport code from the supported set.
type Code string

const (
	DXB Code = "DXB"
	LHR Code = "LHR"
	CDG Code = "CDG"
	SIN Code = "SIN"
	HKG Code = "HKG"
	AMS Code = "AMS"
)

// Airport describes a supported airport
type Airport struct {
	Code    Code   `json:"code"`
	Name    string `json:"name"`
	City    string `json:"city"`
	Country string `json:"country"`
}

// catalogue is ordered for display
var catalogue = []Airport{
	{Code: DXB, Name: "Dubai International", City: "Dubai", Country: "UAE"},
	{Code: LHR, Name: "London Heathrow", City: "London", Country: "UK"},
	{Code: CDG, Name: "Charles de Gaulle", City: "Paris", Country: "France"},
	{Code: SIN, Name: "Singapore Changi", City: "Singapore", Country: "Singapore"},
	{Code: HKG, Name: "Hong Kong International", City: "Hong Kong", Country: "Hong Kong"},
	{Code: AMS, Name: "Amsterdam Schiphol", City: "Amsterdam", Country: "Netherlands"},
}

// All returns the supported airports in display order.
func All() []Airport {
	out := make([]Airport, len(catalogue))
	copy(out, catalogue)
	return out
}

// Lookup returns the airport for a code.
func Lookup(code Code) (Airport, bool) {
	for _, a := range catalogue {
		if a.Code == code {
			return a, true
		}
	}
	return Airport{}, false
}

// Valid reports whether the code is supported.
func (c Code) Valid() bool {
	_, ok := Lookup(c)
	return ok
}

// String implements fmt.Stringer
func (c Code) String() string {
	return string(c)
}

// Parse normalises raw input into a supported code.
func Parse(raw string) (Code, error) {
	code := Code(strings.ToUpper(strings.TrimSpace(raw)))
	if !code.Valid() {
		return "", qaerrors.NewInvalidAirport(raw)
	}
	return code, nil
}

// SampleQuestions returns example questions for the airport.
func SampleQuestions(code Code) []string {
	name := string(code)
	if a, ok := Lookup(code); ok {
		name = a.Name
	}

	return []string{
		fmt.Sprintf("How many flights arrived at %s from Germany?", name),
		fmt.Sprintf("Which airlines fly to %s most often?", name),
		fmt.Sprintf("Which countries have the most flights to %s?", name),
		fmt.Sprintf("How many countries are represented in arrivals at %s?", name),
		fmt.Sprintf("Which cities are most frequently connected to %s?", name),
	}
}
