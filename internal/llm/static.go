package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	qaerrors "github.com/yegors/flightqa/internal/errors"
	"github.com/yegors/flightqa/internal/prompt"
	"github.com/yegors/flightqa/pkg/logger"
)

const staticTopN = 5

// StaticCompleter answers from the counts in the prompt's arrival data
// without calling a model, so the service runs without LLM credentials.
type StaticCompleter struct {
	logger *logger.Logger
}

// NewStaticCompleter creates a completer for demo mode
func NewStaticCompleter(logger *logger.Logger) *StaticCompleter {
	return &StaticCompleter{
		logger: logger.Named("static-llm"),
	}
}

// Complete summarizes the arrival data; the question itself is not interpreted
func (c *StaticCompleter) Complete(ctx context.Context, p prompt.Prompt, maxOutputTokens int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", classifyTransport("static", err)
	}

	i := strings.LastIndex(p.System, prompt.DataHeading)
	if i < 0 {
		return "", qaerrors.New(qaerrors.KindLLMRejected, "prompt carries no arrival data")
	}
	data := strings.TrimSpace(p.System[i+len(prompt.DataHeading):])
	if !gjson.Valid(data) {
		return "", qaerrors.New(qaerrors.KindLLMRejected, "prompt arrival data is not valid JSON")
	}

	root := gjson.Parse(data)
	airport := root.Get("airport").String()
	total := root.Get("total_arrivals").Int()

	countries := countMap(root.Get("arrivals_by_country"))
	if len(countries) == 0 {
		// reduced contexts only carry per-origin summaries
		root.Get("origins").ForEach(func(_, o gjson.Result) bool {
			if name := o.Get("country").String(); name != "" {
				countries[name] += int(o.Get("arrivals").Int())
			}
			return true
		})
	}
	carriers := countMap(root.Get("arrivals_by_carrier"))

	var b strings.Builder
	fmt.Fprintf(&b, "**Arrivals at %s:** %d\n", airport, total)
	if total == 0 {
		b.WriteString("\nNo arrival records are available for this airport right now.\n")
	}
	if len(countries) > 0 {
		fmt.Fprintf(&b, "\n- Origin countries: %d (%s)\n", len(countries), top(countries, staticTopN))
	}
	if len(carriers) > 0 {
		fmt.Fprintf(&b, "- Airlines: %d (%s)\n", len(carriers), top(carriers, staticTopN))
	}
	if omitted := root.Get("omitted"); omitted.Exists() {
		fmt.Fprintf(&b, "- %d smaller origins with %d arrivals are not broken down\n",
			omitted.Get("origins").Int(), omitted.Get("arrivals").Int())
	}
	b.WriteString("\n_Demo answer built from schedule counts. No language model is configured._")

	c.logger.Debug("Answered from static summary",
		logger.String("airport", airport),
		logger.Int64("total_arrivals", total))

	return b.String(), nil
}

// countMap reads a JSON object of counts
func countMap(r gjson.Result) map[string]int {
	out := make(map[string]int)
	r.ForEach(func(k, v gjson.Result) bool {
		out[k.String()] = int(v.Int())
		return true
	})
	return out
}

// top renders the n largest counts, ties by name
func top(counts map[string]int, n int) string {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})

	parts := make([]string, 0, n+1)
	for i, name := range names {
		if i == n {
			parts = append(parts, "...")
			break
		}
		parts = append(parts, fmt.Sprintf("%s %d", name, counts[name]))
	}
	return strings.Join(parts, ", ")
}
