package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yegors/flightqa/internal/airports"
	qaerrors "github.com/yegors/flightqa/internal/errors"
	"github.com/yegors/flightqa/internal/prompt"
	"github.com/yegors/flightqa/internal/schedule"
	"github.com/yegors/flightqa/internal/shaping"
	"github.com/yegors/flightqa/internal/storage/sqlite"
	"github.com/yegors/flightqa/pkg/logger"
)

type fakeFetcher struct {
	calls    atomic.Int32
	dataset  *schedule.Dataset
	err      error
	deadline time.Duration // time left on ctx when Fetch was called
}

func (f *fakeFetcher) Fetch(ctx context.Context, code airports.Code) (*schedule.Dataset, error) {
	f.calls.Add(1)
	if d, ok := ctx.Deadline(); ok {
		f.deadline = time.Until(d)
	}
	if f.err != nil {
		return nil, f.err
	}
	ds := f.dataset.Clone()
	ds.Airport = code
	return ds, nil
}

type fakeAnswerer struct {
	calls   atomic.Int32
	prompts []prompt.Prompt
	answer  func(ctx context.Context, p prompt.Prompt) (string, error)
	mu      sync.Mutex
}

func (a *fakeAnswerer) Generate(ctx context.Context, p prompt.Prompt) (string, error) {
	a.calls.Add(1)
	a.mu.Lock()
	a.prompts = append(a.prompts, p)
	a.mu.Unlock()
	if a.answer == nil {
		return "ok", nil
	}
	return a.answer(ctx, p)
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []*sqlite.QueryRecord
	err     error
}

func (r *fakeRecorder) RecordQuery(ctx context.Context, record *sqlite.QueryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return r.err
}

func arrivals(records ...schedule.ArrivalRecord) *schedule.Dataset {
	return &schedule.Dataset{
		Records:   records,
		FetchedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func arrival(flight, city, country string) schedule.ArrivalRecord {
	return schedule.ArrivalRecord{
		FlightNumber:  flight,
		CarrierCode:   flight[:2],
		OriginCity:    city,
		OriginCountry: country,
		Status:        schedule.StatusLanded,
	}
}

var germanyFrance = arrivals(
	arrival("LH900", "Frankfurt", "Germany"),
	arrival("AF1080", "Paris", "France"),
	arrival("EW462", "Dusseldorf", "Germany"),
)

func newTestService(f schedule.Fetcher, a Answerer, r Recorder, budget int) *Service {
	shaper := shaping.NewShaper(shaping.CharEstimator{CharsPerToken: 4}, logger.NewNop())
	return NewService(f, shaper, a, r, Config{
		RequestTimeout:   5 * time.Second,
		FetchShare:       0.35,
		InputTokenBudget: budget,
	}, logger.NewNop())
}

// countingAnswer answers from the per-country counts in the prompt
func countingAnswer(_ context.Context, p prompt.Prompt) (string, error) {
	if strings.Contains(p.System, `"Germany":2`) {
		return "2 flights arrived from Germany.", nil
	}
	return "I could not tell.", nil
}

func TestAnswerQuestionGermanyScenario(t *testing.T) {
	fetcher := &fakeFetcher{dataset: germanyFrance}
	answerer := &fakeAnswerer{answer: countingAnswer}
	recorder := &fakeRecorder{}
	svc := newTestService(fetcher, answerer, recorder, 12000)

	res, err := svc.AnswerQuestion(context.Background(), " lhr ", "How many flights arrived from Germany?")
	require.NoError(t, err)

	assert.Contains(t, res.Answer, "2")
	assert.Equal(t, airports.LHR, res.Airport)
	assert.Equal(t, shaping.LevelFull, res.Level)
	assert.Equal(t, 3, res.TotalArrivals)
	assert.Equal(t, 3, res.RecordCount)
	assert.Equal(t, StageAnswered, res.Stage)
	assert.NotEmpty(t, res.QueryID)
	assert.False(t, res.EmptyDataset)

	assert.EqualValues(t, 1, fetcher.calls.Load())
	require.Len(t, answerer.prompts, 1)
	assert.Equal(t, "How many flights arrived from Germany?", answerer.prompts[0].User)

	require.Len(t, recorder.records, 1)
	rec := recorder.records[0]
	assert.Equal(t, res.QueryID, rec.QueryID)
	assert.Equal(t, "LHR", rec.AirportCode)
	assert.Equal(t, res.Answer, rec.Answer)
	assert.Empty(t, rec.ErrorKind)
	assert.Equal(t, "full", rec.ShapingLevel)
}

func TestAnswerQuestionInvalidAirportMakesNoCalls(t *testing.T) {
	for _, code := range []string{"JFK", "", "LH", "dxbx"} {
		fetcher := &fakeFetcher{dataset: germanyFrance}
		answerer := &fakeAnswerer{}
		recorder := &fakeRecorder{}

		_, err := newTestService(fetcher, answerer, recorder, 12000).AnswerQuestion(context.Background(), code, "How many?")
		require.Error(t, err)
		assert.True(t, qaerrors.Is(err, qaerrors.KindInvalidAirport), "code %q", code)
		assert.Zero(t, fetcher.calls.Load())
		assert.Zero(t, answerer.calls.Load())

		require.Len(t, recorder.records, 1)
		assert.Equal(t, "INVALID_AIRPORT", recorder.records[0].ErrorKind)
	}
}

func TestAnswerQuestionEmptyQuestionMakesNoCalls(t *testing.T) {
	fetcher := &fakeFetcher{dataset: germanyFrance}
	answerer := &fakeAnswerer{}

	_, err := newTestService(fetcher, answerer, nil, 12000).AnswerQuestion(context.Background(), "DXB", "   ")
	require.Error(t, err)
	assert.True(t, qaerrors.Is(err, qaerrors.KindEmptyQuestion))
	assert.Zero(t, fetcher.calls.Load())
	assert.Zero(t, answerer.calls.Load())
}

func TestAnswerQuestionEmptyDatasetIsNotAnError(t *testing.T) {
	fetcher := &fakeFetcher{dataset: arrivals()}
	answerer := &fakeAnswerer{answer: func(_ context.Context, p prompt.Prompt) (string, error) {
		if strings.Contains(p.System, "No arrival records were found for LHR") {
			return "No arrivals were found for LHR in the current schedule.", nil
		}
		return "Germany: 0", nil
	}}

	res, err := newTestService(fetcher, answerer, nil, 12000).AnswerQuestion(context.Background(), "LHR", "How many flights came from Germany?")
	require.NoError(t, err)
	assert.True(t, res.EmptyDataset)
	assert.Contains(t, res.Answer, "No arrivals were found")
	assert.Zero(t, res.TotalArrivals)
	assert.EqualValues(t, 1, answerer.calls.Load())
}

func TestAnswerQuestionProviderTimeoutSkipsGeneration(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := schedule.NewClient(schedule.ClientConfig{
		BaseURL:      srv.URL,
		APIKey:       "k",
		Timeout:      20 * time.Millisecond,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	}, logger.NewNop())
	answerer := &fakeAnswerer{}
	recorder := &fakeRecorder{}

	_, err := newTestService(client, answerer, recorder, 12000).AnswerQuestion(context.Background(), "CDG", "Which airlines fly here?")
	require.Error(t, err)
	assert.True(t, qaerrors.Is(err, qaerrors.KindProviderUnavailable), "got %v", err)
	assert.EqualValues(t, 3, calls.Load())
	assert.Zero(t, answerer.calls.Load())

	require.Len(t, recorder.records, 1)
	assert.Equal(t, "PROVIDER_UNAVAILABLE", recorder.records[0].ErrorKind)
}

func TestAnswerQuestionOversizedDatasetSkipsGeneration(t *testing.T) {
	var records []schedule.ArrivalRecord
	for i := 0; i < 200; i++ {
		records = append(records, arrival(fmt.Sprintf("EK%03d", i), fmt.Sprintf("City%03d", i), fmt.Sprintf("Country%03d", i)))
	}
	fetcher := &fakeFetcher{dataset: arrivals(records...)}
	answerer := &fakeAnswerer{}

	question := "Which countries send the most flights?"
	overhead, err := prompt.Overhead(airports.SIN, question, shaping.CharEstimator{CharsPerToken: 4})
	require.NoError(t, err)

	// room for the instructions but not for even the skeleton context
	for _, budget := range []int{overhead + 5, overhead, overhead - 10} {
		_, err = newTestService(fetcher, answerer, nil, budget).AnswerQuestion(context.Background(), "SIN", question)
		require.Error(t, err)
		assert.True(t, qaerrors.Is(err, qaerrors.KindContextTooLarge), "budget %d: %v", budget, err)
	}
	assert.Zero(t, answerer.calls.Load())
}

func TestAnswerQuestionPromptFitsInputBudget(t *testing.T) {
	var records []schedule.ArrivalRecord
	for i := 0; i < 300; i++ {
		records = append(records, arrival(fmt.Sprintf("EK%03d", i), fmt.Sprintf("City%02d", i%40), fmt.Sprintf("Country%02d", i%25)))
	}
	fetcher := &fakeFetcher{dataset: arrivals(records...)}
	answerer := &fakeAnswerer{}
	est := shaping.CharEstimator{CharsPerToken: 4}

	for _, budget := range []int{20000, 4000, 1500, 900, 700} {
		res, err := newTestService(fetcher, answerer, nil, budget).AnswerQuestion(context.Background(), "AMS", "Top origins?")
		require.NoError(t, err, "budget %d", budget)
		assert.NotEmpty(t, res.Level)

		p := answerer.prompts[len(answerer.prompts)-1]
		assert.LessOrEqual(t, est.Estimate(p.Text()), budget, "budget %d", budget)
	}
}

func TestAnswerQuestionRequestDeadlineIsTimeout(t *testing.T) {
	fetcher := &fakeFetcher{dataset: germanyFrance}
	answerer := &fakeAnswerer{answer: func(ctx context.Context, _ prompt.Prompt) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	shaper := shaping.NewShaper(nil, logger.NewNop())
	svc := NewService(fetcher, shaper, answerer, nil, Config{
		RequestTimeout:   30 * time.Millisecond,
		FetchShare:       0.5,
		InputTokenBudget: 12000,
	}, logger.NewNop())

	_, err := svc.AnswerQuestion(context.Background(), "HKG", "Which airlines?")
	require.Error(t, err)
	assert.True(t, qaerrors.Is(err, qaerrors.KindTimeout))

	e, ok := qaerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, "generation", e.Details["stage"])
}

func TestAnswerQuestionFetchGetsItsShare(t *testing.T) {
	fetcher := &fakeFetcher{dataset: germanyFrance}
	svc := newTestService(fetcher, &fakeAnswerer{}, nil, 12000)

	_, err := svc.AnswerQuestion(context.Background(), "DXB", "Which airlines?")
	require.NoError(t, err)

	// 35% of a 5s budget
	assert.Greater(t, fetcher.deadline, time.Second)
	assert.LessOrEqual(t, fetcher.deadline, 1750*time.Millisecond)
}

func TestAnswerQuestionClassifiesEveryFailure(t *testing.T) {
	tests := []struct {
		name     string
		fetchErr error
		llmErr   error
		kind     qaerrors.Kind
	}{
		{"opaque fetch error", fmt.Errorf("dial tcp: refused"), nil, qaerrors.KindProviderUnavailable},
		{"provider rejected", qaerrors.NewProviderRejected(401), nil, qaerrors.KindProviderRejected},
		{"opaque llm error", nil, fmt.Errorf("boom"), qaerrors.KindLLMUnavailable},
		{"llm rejected", nil, qaerrors.New(qaerrors.KindLLMRejected, "bad key"), qaerrors.KindLLMRejected},
		{"token limit", nil, qaerrors.New(qaerrors.KindLLMTokenLimitExceeded, "too long"), qaerrors.KindLLMTokenLimitExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &fakeFetcher{dataset: germanyFrance, err: tt.fetchErr}
			answerer := &fakeAnswerer{answer: func(context.Context, prompt.Prompt) (string, error) {
				return "", tt.llmErr
			}}

			res, err := newTestService(fetcher, answerer, nil, 12000).AnswerQuestion(context.Background(), "LHR", "Which airlines?")
			require.Error(t, err)
			assert.Nil(t, res)

			e, ok := qaerrors.As(err)
			require.True(t, ok, "unclassified error %v", err)
			assert.Equal(t, tt.kind, e.Kind)
			assert.NotEmpty(t, e.Message)
		})
	}
}

func TestAnswerQuestionRecorderFailureIsIgnored(t *testing.T) {
	fetcher := &fakeFetcher{dataset: germanyFrance}
	recorder := &fakeRecorder{err: fmt.Errorf("disk full")}

	res, err := newTestService(fetcher, &fakeAnswerer{}, recorder, 12000).AnswerQuestion(context.Background(), "LHR", "Which airlines?")
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Answer)
	assert.Len(t, recorder.records, 1)
}
