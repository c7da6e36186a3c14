package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yegors/flightqa/internal/airports"
	qaerrors "github.com/yegors/flightqa/internal/errors"
	"github.com/yegors/flightqa/internal/prompt"
	"github.com/yegors/flightqa/internal/schedule"
	"github.com/yegors/flightqa/internal/shaping"
	"github.com/yegors/flightqa/pkg/logger"
)

func shapedPrompt(t *testing.T, ds *schedule.Dataset, budget int) prompt.Prompt {
	t.Helper()
	shaped, err := shaping.NewShaper(shaping.CharEstimator{CharsPerToken: 1}, logger.NewNop()).Shape(ds, budget)
	require.NoError(t, err)
	p, err := prompt.Build(ds.Airport, shaped, "How many flights arrived from Germany?")
	require.NoError(t, err)
	return p
}

func TestStaticCompleterSummarizesCounts(t *testing.T) {
	ds := &schedule.Dataset{
		Airport: airports.LHR,
		Records: []schedule.ArrivalRecord{
			{FlightNumber: "LH900", CarrierCode: "LH", OriginCity: "Frankfurt", OriginCountry: "Germany"},
			{FlightNumber: "AF1080", CarrierCode: "AF", OriginCity: "Paris", OriginCountry: "France"},
			{FlightNumber: "EW462", CarrierCode: "EW", OriginCity: "Dusseldorf", OriginCountry: "Germany"},
		},
	}

	answer, err := NewStaticCompleter(logger.NewNop()).Complete(context.Background(), shapedPrompt(t, ds, 10000), 100)
	require.NoError(t, err)

	assert.Contains(t, answer, "**Arrivals at LHR:** 3")
	assert.Contains(t, answer, "Origin countries: 2 (Germany 2, France 1)")
	assert.Contains(t, answer, "Airlines: 3 (AF 1, EW 1, LH 1)")
	assert.Contains(t, answer, "No language model is configured")
}

func TestStaticCompleterEmptyDataset(t *testing.T) {
	ds := &schedule.Dataset{Airport: airports.SIN, Records: []schedule.ArrivalRecord{}}

	answer, err := NewStaticCompleter(logger.NewNop()).Complete(context.Background(), shapedPrompt(t, ds, 10000), 100)
	require.NoError(t, err)
	assert.Contains(t, answer, "**Arrivals at SIN:** 0")
	assert.Contains(t, answer, "No arrival records")
	assert.NotContains(t, answer, "Origin countries")
}

func TestStaticCompleterRejectsPromptWithoutData(t *testing.T) {
	c := NewStaticCompleter(logger.NewNop())

	_, err := c.Complete(context.Background(), prompt.Prompt{System: "no data here", User: "q"}, 100)
	assert.True(t, qaerrors.Is(err, qaerrors.KindLLMRejected))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Complete(ctx, prompt.Prompt{System: prompt.DataHeading + "\n{}"}, 100)
	assert.True(t, qaerrors.Is(err, qaerrors.KindTimeout))
}

func TestTopListsLargestFirst(t *testing.T) {
	counts := map[string]int{"a": 1, "b": 3, "c": 3, "d": 2}
	assert.Equal(t, "b 3, c 3, d 2, ...", top(counts, 3))
	assert.Equal(t, "b 3, c 3, d 2, a 1", top(counts, 5))
}
