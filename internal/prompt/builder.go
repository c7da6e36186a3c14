package prompt

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/yegors/flightqa/internal/airports"
	qaerrors "github.com/yegors/flightqa/internal/errors"
	"github.com/yegors/flightqa/internal/shaping"
)

// Prompt is the message pair sent to the answer generator
type Prompt struct {
	System string
	User   string
}

// Text is the full prompt as the estimator measures it
func (p Prompt) Text() string {
	return p.System + "\n\n" + p.User
}

// templateData feeds systemTemplate
type templateData struct {
	Code      string
	Name      string
	City      string
	Country   string
	Context   string
	Empty     bool
	Truncated bool
	Omitted   *shaping.Omitted
}

// DataHeading introduces the shaped context at the end of the system prompt
const DataHeading = "Arrival data (JSON):"

var systemTemplate = template.Must(template.New("system").Parse(`You are an aviation data analyst. You answer questions about flights arriving at {{.Name}} ({{.Code}}), {{.City}}, {{.Country}}.

Rules:
1. Use only the arrival data given below. Do not rely on outside knowledge about flights or schedules.
2. Answer the question precisely and concretely.
3. If the data is not sufficient to answer, say so plainly.
4. Give numbers (counts, shares) where they are relevant.
5. Focus only on {{.Code}}. If the question mentions other airports, answer for {{.Code}} only.
6. Reply in the same language as the question.
{{- if .Empty}}

No arrival records were found for {{.Code}} in the current schedule. Tell the user that no arrival data is available and do not invent any flights, countries or airlines.
{{- end}}
{{- if .Truncated}}

The data was reduced to fit. Origins are aggregated as arrival counts; per-carrier and per-city totals are not available{{if .Omitted}}; {{.Omitted.Origins}} smaller origins with {{.Omitted.Arrivals}} arrivals in total are only counted under "omitted"{{end}}. Individual flights are not listed.
{{- end}}

Fields: arrivals_by_country counts arrivals per origin country; arrivals_without_country counts arrivals whose origin country is unknown; arrivals_by_carrier counts arrivals per airline; arrivals_by_city counts arrivals per origin city; flights lists individual arrivals; origins summarizes arrivals per origin, by "country" when known and otherwise by "origin" (a city or airport code, not a country).

` + DataHeading + `
{{.Context}}`))

// ValidateQuestion trims the question and rejects blank ones
func ValidateQuestion(question string) (string, error) {
	q := strings.TrimSpace(question)
	if q == "" {
		return "", qaerrors.NewEmptyQuestion()
	}
	return q, nil
}

// Build renders the grounded prompt for one question about one airport.
// The result depends only on its arguments.
func Build(code airports.Code, shaped *shaping.Context, question string) (Prompt, error) {
	q, err := ValidateQuestion(question)
	if err != nil {
		return Prompt{}, err
	}

	airport, ok := airports.Lookup(code)
	if !ok {
		return Prompt{}, qaerrors.NewInvalidAirport(string(code))
	}

	data := templateData{
		Code:    string(airport.Code),
		Name:    airport.Name,
		City:    airport.City,
		Country: airport.Country,
	}
	if shaped != nil {
		data.Context = shaped.Text
		data.Empty = shaped.Empty
		data.Truncated = shaped.Level == shaping.LevelTruncated
		data.Omitted = shaped.Omitted
	}

	var buf bytes.Buffer
	if err := systemTemplate.Execute(&buf, data); err != nil {
		return Prompt{}, fmt.Errorf("failed to render system prompt: %w", err)
	}

	return Prompt{System: buf.String(), User: q}, nil
}

// Overhead returns the most tokens the prompt can cost for code and
// question before any schedule data is added
func Overhead(code airports.Code, question string, estimator shaping.Estimator) (int, error) {
	variants := []*shaping.Context{
		{Airport: code, Level: shaping.LevelFull},
		{Airport: code, Level: shaping.LevelFull, Empty: true},
		{Airport: code, Level: shaping.LevelTruncated, Omitted: &shaping.Omitted{Origins: 999999, Arrivals: 999999}},
	}

	overhead := 0
	for _, shaped := range variants {
		p, err := Build(code, shaped, question)
		if err != nil {
			return 0, err
		}
		if tokens := estimator.Estimate(p.Text()); tokens > overhead {
			overhead = tokens
		}
	}
	return overhead, nil
}
