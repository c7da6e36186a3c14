package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/yuin/goldmark"

	"github.com/yegors/flightqa/internal/airports"
	qaerrors "github.com/yegors/flightqa/internal/errors"
	"github.com/yegors/flightqa/internal/pipeline"
	"github.com/yegors/flightqa/internal/storage/sqlite"
	"github.com/yegors/flightqa/pkg/logger"
)

const (
	maxRequestBytes     = 64 << 10
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// QuestionAnswerer answers one question about one airport
type QuestionAnswerer interface {
	AnswerQuestion(ctx context.Context, airportCode, question string) (*pipeline.Result, error)
}

// QueryHistory lists recorded queries
type QueryHistory interface {
	GetRecentQueries(ctx context.Context, limit int) ([]*sqlite.QueryRecord, error)
	GetQueriesByAirport(ctx context.Context, airportCode string, limit int) ([]*sqlite.QueryRecord, error)
}

// AnalyzeRequest is the JSON body of POST /analyze
type AnalyzeRequest struct {
	AirportCode string `json:"airport_code"`
	Question    string `json:"question"`
}

// AnalyzeResponse is returned for an answered question
type AnalyzeResponse struct {
	Success      bool   `json:"success"`
	Answer       string `json:"answer"`
	AnswerHTML   string `json:"answer_html"`
	AirportCode  string `json:"airport_code"`
	QueryID      string `json:"query_id"`
	ShapingLevel string `json:"shaping_level"`
	RecordCount  int    `json:"record_count"`
	EmptyDataset bool   `json:"empty_dataset"`
}

// ErrorResponse is returned for every failed request
type ErrorResponse struct {
	Success   bool   `json:"success"`
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

// Handler serves the API endpoints
type Handler struct {
	answerer QuestionAnswerer
	history  QueryHistory
	started  time.Time
	logger   *logger.Logger
}

// NewHandler creates the endpoint handlers. history may be nil.
func NewHandler(answerer QuestionAnswerer, history QueryHistory, logger *logger.Logger) *Handler {
	return &Handler{
		answerer: answerer,
		history:  history,
		started:  time.Now(),
		logger:   logger.Named("api-handler"),
	}
}

// Analyze answers a question from a form or JSON body
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)

	req, err := decodeAnalyzeRequest(r)
	if err != nil {
		h.writeError(w, r, qaerrors.Wrap(qaerrors.KindInvalidRequest, err, "could not read request body"))
		return
	}

	result, err := h.answerer.AnswerQuestion(r.Context(), req.AirportCode, req.Question)
	if err != nil {
		h.writeError(w, r, qaerrors.Classify(err, qaerrors.KindLLMUnavailable, "request"))
		return
	}

	writeJSON(w, http.StatusOK, AnalyzeResponse{
		Success:      true,
		Answer:       result.Answer,
		AnswerHTML:   renderMarkdown(result.Answer),
		AirportCode:  string(result.Airport),
		QueryID:      result.QueryID,
		ShapingLevel: string(result.Level),
		RecordCount:  result.RecordCount,
		EmptyDataset: result.EmptyDataset,
	})
}

// GetAirports lists the supported airports
func (h *Handler) GetAirports(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"airports": airports.All(),
	})
}

// GetSampleQuestions lists example questions for one airport
func (h *Handler) GetSampleQuestions(w http.ResponseWriter, r *http.Request) {
	code, err := airports.Parse(chi.URLParam(r, "code"))
	if err != nil {
		h.writeError(w, r, qaerrors.Classify(err, qaerrors.KindInvalidAirport, "request"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"airport_code": code,
		"questions":    airports.SampleQuestions(code),
	})
}

// GetHistory lists the most recent queries, optionally for one airport
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			ErrorKind: "NOT_FOUND",
			Message:   "query history is disabled",
		})
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, r, qaerrors.New(qaerrors.KindInvalidRequest, "limit must be a positive integer"))
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	var (
		records []*sqlite.QueryRecord
		err     error
	)
	if raw := r.URL.Query().Get("airport"); raw != "" {
		code, perr := airports.Parse(raw)
		if perr != nil {
			h.writeError(w, r, qaerrors.Classify(perr, qaerrors.KindInvalidAirport, "request"))
			return
		}
		records, err = h.history.GetQueriesByAirport(r.Context(), string(code), limit)
	} else {
		records, err = h.history.GetRecentQueries(r.Context(), limit)
	}
	if err != nil {
		h.logger.WithError(err).Error("Failed to load query history")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			ErrorKind: "INTERNAL",
			Message:   "failed to load query history",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"queries": records,
		"count":   len(records),
	})
}

// GetHealth reports liveness
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"history":        h.history != nil,
	})
}

// writeError writes a classified error with its HTTP status
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, e *qaerrors.Error) {
	status := e.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}

	log := h.logger.WithRequestID(middleware.GetReqID(r.Context()))
	fields := []logger.Field{
		logger.String("path", r.URL.Path),
		logger.String("error_kind", string(e.Kind)),
		logger.Int("status", status),
	}
	if status >= http.StatusInternalServerError {
		log.WithError(e).Warn("Request failed", fields...)
	} else {
		log.Debug("Request rejected", append(fields, logger.String("message", e.Message))...)
	}

	writeJSON(w, status, ErrorResponse{
		Success:   false,
		ErrorKind: string(e.Kind),
		Message:   e.Message,
	})
}

// decodeAnalyzeRequest reads JSON bodies and url-encoded or multipart forms
func decodeAnalyzeRequest(r *http.Request) (AnalyzeRequest, error) {
	var req AnalyzeRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, err
		}
		return req, nil
	}

	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxRequestBytes); err != nil {
			return req, err
		}
	} else if err := r.ParseForm(); err != nil {
		return req, err
	}

	req.AirportCode = r.PostFormValue("airport_code")
	req.Question = r.PostFormValue("question")
	return req, nil
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// renderMarkdown converts an answer to HTML; raw HTML in the answer is dropped
func renderMarkdown(md string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return ""
	}
	return buf.String()
}
