package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yegors/flightqa/internal/airports"
	"github.com/yegors/flightqa/internal/config"
	qaerrors "github.com/yegors/flightqa/internal/errors"
	"github.com/yegors/flightqa/internal/pipeline"
	"github.com/yegors/flightqa/internal/shaping"
	"github.com/yegors/flightqa/internal/storage/sqlite"
	"github.com/yegors/flightqa/pkg/logger"
)

type fakeAnswerer struct {
	calls    atomic.Int32
	airport  string
	question string
	err      error
}

func (f *fakeAnswerer) AnswerQuestion(ctx context.Context, airportCode, question string) (*pipeline.Result, error) {
	f.calls.Add(1)
	f.airport = airportCode
	f.question = question
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.Result{
		QueryID:     "q-123",
		Airport:     airports.LHR,
		Question:    question,
		Answer:      "**2** flights arrived from Germany.",
		Level:       shaping.LevelFull,
		RecordCount: 3,
		Stage:       pipeline.StageAnswered,
	}, nil
}

type fakeHistory struct {
	limit   int
	airport string
	records []*sqlite.QueryRecord
	err     error
}

func (f *fakeHistory) GetRecentQueries(ctx context.Context, limit int) ([]*sqlite.QueryRecord, error) {
	f.limit = limit
	f.airport = ""
	return f.records, f.err
}

func (f *fakeHistory) GetQueriesByAirport(ctx context.Context, airportCode string, limit int) ([]*sqlite.QueryRecord, error) {
	f.limit = limit
	f.airport = airportCode
	var out []*sqlite.QueryRecord
	for _, r := range f.records {
		if r.AirportCode == airportCode {
			out = append(out, r)
		}
	}
	return out, f.err
}

func newTestServer(answerer QuestionAnswerer, history QueryHistory, server config.ServerConfig) *httptest.Server {
	return httptest.NewServer(NewRouter(answerer, history, server, logger.NewNop()).Routes())
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestAnalyzeForm(t *testing.T) {
	answerer := &fakeAnswerer{}
	srv := newTestServer(answerer, nil, config.ServerConfig{})
	defer srv.Close()

	resp, err := http.PostForm(srv.URL+"/api/v1/analyze", url.Values{
		"airport_code": {"LHR"},
		"question":     {"How many flights arrived from Germany?"},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[AnalyzeResponse](t, resp)
	assert.True(t, body.Success)
	assert.Equal(t, "**2** flights arrived from Germany.", body.Answer)
	assert.Contains(t, body.AnswerHTML, "<strong>2</strong>")
	assert.Equal(t, "LHR", body.AirportCode)
	assert.Equal(t, "q-123", body.QueryID)
	assert.Equal(t, "full", body.ShapingLevel)
	assert.Equal(t, 3, body.RecordCount)

	assert.Equal(t, "LHR", answerer.airport)
	assert.Equal(t, "How many flights arrived from Germany?", answerer.question)
}

func TestAnalyzeJSON(t *testing.T) {
	answerer := &fakeAnswerer{}
	srv := newTestServer(answerer, nil, config.ServerConfig{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/analyze", "application/json; charset=utf-8",
		strings.NewReader(`{"airport_code":"dxb","question":"Which airlines?"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	assert.Equal(t, "dxb", answerer.airport)
	assert.Equal(t, "Which airlines?", answerer.question)
}

func TestAnalyzeMalformedJSON(t *testing.T) {
	answerer := &fakeAnswerer{}
	srv := newTestServer(answerer, nil, config.ServerConfig{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/analyze", "application/json", strings.NewReader(`{"airport_code":`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, "INVALID_REQUEST", body.ErrorKind)
	assert.Zero(t, answerer.calls.Load())
}

func TestAnalyzeErrorsUseKindStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		kind   string
	}{
		{qaerrors.NewInvalidAirport("JFK"), http.StatusBadRequest, "INVALID_AIRPORT"},
		{qaerrors.NewEmptyQuestion(), http.StatusBadRequest, "EMPTY_QUESTION"},
		{qaerrors.NewProviderUnavailable(fmt.Errorf("timeout"), 3), http.StatusServiceUnavailable, "PROVIDER_UNAVAILABLE"},
		{qaerrors.NewProviderRejected(401), http.StatusBadGateway, "PROVIDER_REJECTED"},
		{qaerrors.NewContextTooLarge(10, 40), http.StatusRequestEntityTooLarge, "CONTEXT_TOO_LARGE"},
		{qaerrors.NewTimeout("generation", context.DeadlineExceeded), http.StatusGatewayTimeout, "TIMEOUT"},
		{fmt.Errorf("opaque"), http.StatusServiceUnavailable, "LLM_UNAVAILABLE"},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			srv := newTestServer(&fakeAnswerer{err: tt.err}, nil, config.ServerConfig{})
			defer srv.Close()

			resp, err := http.PostForm(srv.URL+"/api/v1/analyze", url.Values{"airport_code": {"LHR"}, "question": {"q"}})
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)

			body := decode[ErrorResponse](t, resp)
			assert.False(t, body.Success)
			assert.Equal(t, tt.kind, body.ErrorKind)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestAnalyzeRateLimited(t *testing.T) {
	answerer := &fakeAnswerer{}
	srv := newTestServer(answerer, nil, config.ServerConfig{RateLimitPerMinute: 1, RateLimitBurst: 2})
	defer srv.Close()

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := http.PostForm(srv.URL+"/api/v1/analyze", url.Values{"airport_code": {"LHR"}, "question": {"q"}})
		require.NoError(t, err)
		statuses = append(statuses, resp.StatusCode)
		resp.Body.Close()
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, statuses)
	assert.EqualValues(t, 2, answerer.calls.Load())

	// other endpoints are not limited
	resp, err := http.Get(srv.URL + "/api/v1/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIPLimiterForgetsIdleClients(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newIPLimiter(60, 1)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("10.0.0.1"))
	assert.False(t, l.allow("10.0.0.1"))
	assert.True(t, l.allow("10.0.0.2"))

	now = now.Add(limiterIdleTTL + time.Minute)
	assert.True(t, l.allow("10.0.0.3"))
	assert.Len(t, l.clients, 1)
}

func TestGetAirports(t *testing.T) {
	srv := newTestServer(&fakeAnswerer{}, nil, config.ServerConfig{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/airports")
	require.NoError(t, err)
	body := decode[struct {
		Airports []airports.Airport `json:"airports"`
	}](t, resp)

	require.Len(t, body.Airports, 6)
	assert.Equal(t, airports.DXB, body.Airports[0].Code)
	assert.Equal(t, "Dubai International", body.Airports[0].Name)
}

func TestGetSampleQuestions(t *testing.T) {
	srv := newTestServer(&fakeAnswerer{}, nil, config.ServerConfig{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/airports/ams/questions")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		AirportCode string   `json:"airport_code"`
		Questions   []string `json:"questions"`
	}](t, resp)
	assert.Equal(t, "AMS", body.AirportCode)
	assert.Len(t, body.Questions, 5)
	assert.Contains(t, body.Questions[0], "Amsterdam Schiphol")

	resp, err = http.Get(srv.URL + "/api/v1/airports/ORD/questions")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_AIRPORT", decode[ErrorResponse](t, resp).ErrorKind)
}

func TestGetHistory(t *testing.T) {
	history := &fakeHistory{records: []*sqlite.QueryRecord{
		{ID: 2, QueryID: "q-2", AirportCode: "DXB", Question: "Which airlines?", ErrorKind: "TIMEOUT"},
		{ID: 1, QueryID: "q-1", AirportCode: "LHR", Question: "How many?", Answer: "2"},
	}}
	srv := newTestServer(&fakeAnswerer{}, history, config.ServerConfig{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/history?limit=5000")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Count   int                   `json:"count"`
		Queries []*sqlite.QueryRecord `json:"queries"`
	}](t, resp)

	assert.Equal(t, maxHistoryLimit, history.limit)
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, "q-2", body.Queries[0].QueryID)

	resp, err = http.Get(srv.URL + "/api/v1/history")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, defaultHistoryLimit, history.limit)

	resp, err = http.Get(srv.URL + "/api/v1/history?limit=abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetHistoryByAirport(t *testing.T) {
	history := &fakeHistory{records: []*sqlite.QueryRecord{
		{ID: 2, QueryID: "q-2", AirportCode: "DXB", Question: "Which airlines?"},
		{ID: 1, QueryID: "q-1", AirportCode: "LHR", Question: "How many?", Answer: "2"},
	}}
	srv := newTestServer(&fakeAnswerer{}, history, config.ServerConfig{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/history?airport=lhr&limit=5")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Count   int                   `json:"count"`
		Queries []*sqlite.QueryRecord `json:"queries"`
	}](t, resp)

	assert.Equal(t, "LHR", history.airport)
	assert.Equal(t, 5, history.limit)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "q-1", body.Queries[0].QueryID)

	resp, err = http.Get(srv.URL + "/api/v1/history?airport=JFK")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_AIRPORT", decode[ErrorResponse](t, resp).ErrorKind)
}

func TestGetHistoryDisabled(t *testing.T) {
	srv := newTestServer(&fakeAnswerer{}, nil, config.ServerConfig{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/history")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(&fakeAnswerer{}, nil, config.ServerConfig{CORSAllowedOrigins: []string{"https://flights.example"}})
	defer srv.Close()

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/analyze", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://flights.example")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://flights.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRenderMarkdownDropsRawHTML(t *testing.T) {
	html := renderMarkdown("Top origin: *Germany*\n\n<script>alert(1)</script>")
	assert.Contains(t, html, "<em>Germany</em>")
	assert.NotContains(t, html, "<script>")
}
