package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/yegors/flightqa/internal/airports"
	qaerrors "github.com/yegors/flightqa/internal/errors"
	"github.com/yegors/flightqa/internal/prompt"
	"github.com/yegors/flightqa/internal/schedule"
	"github.com/yegors/flightqa/internal/shaping"
	"github.com/yegors/flightqa/internal/storage/sqlite"
	"github.com/yegors/flightqa/pkg/logger"
)

// Stage is how far a request got
type Stage string

const (
	StageValidated Stage = "validated"
	StageFetched   Stage = "fetched"
	StageShaped    Stage = "shaped"
	StagePrompted  Stage = "prompted"
	StageAnswered  Stage = "answered"
	StageFailed    Stage = "failed"
)

// Answerer produces an answer for a prompt; *llm.Generator implements it
type Answerer interface {
	Generate(ctx context.Context, p prompt.Prompt) (string, error)
}

// Recorder receives one record per request
type Recorder interface {
	RecordQuery(ctx context.Context, record *sqlite.QueryRecord) error
}

// Config holds the request budget settings
type Config struct {
	RequestTimeout   time.Duration
	FetchShare       float64 // share of the remaining time given to the fetch stage
	InputTokenBudget int     // prompt tokens available, question and instructions included
}

// Result is a successful answer
type Result struct {
	QueryID       string        `json:"query_id"`
	Airport       airports.Code `json:"airport_code"`
	Question      string        `json:"question"`
	Answer        string        `json:"answer"`
	Level         shaping.Level `json:"shaping_level"`
	RecordCount   int           `json:"record_count"`
	TotalArrivals int           `json:"total_arrivals"`
	EmptyDataset  bool          `json:"empty_dataset"`
	Stage         Stage         `json:"stage"`
	Duration      time.Duration `json:"duration"`
}

// Service answers questions about arrivals at one airport
type Service struct {
	fetcher  schedule.Fetcher
	shaper   *shaping.Shaper
	answerer Answerer
	recorder Recorder
	config   Config
	logger   *logger.Logger
	now      func() time.Time
}

// NewService wires the pipeline stages. recorder may be nil.
func NewService(
	fetcher schedule.Fetcher,
	shaper *shaping.Shaper,
	answerer Answerer,
	recorder Recorder,
	config Config,
	logger *logger.Logger,
) *Service {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 60 * time.Second
	}
	if config.FetchShare <= 0 || config.FetchShare >= 1 {
		config.FetchShare = 0.35
	}

	return &Service{
		fetcher:  fetcher,
		shaper:   shaper,
		answerer: answerer,
		recorder: recorder,
		config:   config,
		logger:   logger.Named("pipeline"),
		now:      time.Now,
	}
}

// request carries the state of one AnswerQuestion call
type request struct {
	id       string
	start    time.Time
	airport  string
	question string
	stage    Stage
	shaped   *shaping.Context
	log      *logger.Logger
}

// AnswerQuestion runs validate, fetch, shape, prompt and generate for one
// question. Every error it returns is an *errors.Error.
func (s *Service) AnswerQuestion(ctx context.Context, airportCode, question string) (*Result, error) {
	req := &request{
		id:       uuid.NewString(),
		start:    s.now(),
		airport:  airportCode,
		question: question,
	}
	req.log = s.logger.WithQuery(req.id, airportCode)

	result, err := s.run(ctx, req)
	if err != nil {
		e := qaerrors.Classify(err, qaerrors.KindLLMUnavailable, string(req.stage))
		req.log.Warn("Question failed",
			logger.String("stage", string(req.stage)),
			logger.String("error_kind", string(e.Kind)),
			logger.Duration("duration", s.now().Sub(req.start)),
			logger.Error(e))
		s.record(ctx, req, nil, e)
		return nil, e
	}

	req.log.Info("Question answered",
		logger.String("shaping_level", string(result.Level)),
		logger.Int("record_count", result.RecordCount),
		logger.Int("total_arrivals", result.TotalArrivals),
		logger.Duration("duration", result.Duration))
	s.record(ctx, req, result, nil)
	return result, nil
}

func (s *Service) run(parent context.Context, req *request) (*Result, error) {
	code, err := airports.Parse(req.airport)
	if err != nil {
		return nil, err
	}
	question, err := prompt.ValidateQuestion(req.question)
	if err != nil {
		return nil, err
	}
	req.airport = string(code)
	req.question = question
	req.stage = StageValidated

	ctx, cancel := context.WithTimeout(parent, s.config.RequestTimeout)
	defer cancel()

	// fetch
	dataset, err := s.fetch(ctx, code)
	if err != nil {
		return nil, s.stageError(ctx, req, err, qaerrors.KindProviderUnavailable)
	}
	req.stage = StageFetched
	if dataset.Empty() {
		req.log.Info("No arrival records for airport", logger.Int("dropped", dataset.Dropped))
	}

	// shape
	overhead, err := prompt.Overhead(code, question, s.shaper.Estimator())
	if err != nil {
		return nil, err
	}
	budget := s.config.InputTokenBudget - overhead
	if budget <= 0 {
		return nil, qaerrors.NewContextTooLarge(s.config.InputTokenBudget, overhead)
	}

	shaped, err := s.shaper.Shape(dataset, budget)
	if err != nil {
		return nil, s.stageError(ctx, req, err, qaerrors.KindContextTooLarge)
	}
	req.shaped = shaped
	req.stage = StageShaped

	// prompt
	p, err := prompt.Build(code, shaped, question)
	if err != nil {
		return nil, err
	}
	if tokens := s.shaper.Estimator().Estimate(p.Text()); tokens > s.config.InputTokenBudget {
		return nil, qaerrors.NewContextTooLarge(s.config.InputTokenBudget, tokens)
	}
	req.stage = StagePrompted

	req.log.Debug("Prompt built",
		logger.String("shaping_level", string(shaped.Level)),
		logger.Int("context_tokens", shaped.Tokens),
		logger.Int("context_budget", budget),
		logger.Int("overhead_tokens", overhead))

	// generate
	answer, err := s.answerer.Generate(ctx, p)
	if err != nil {
		return nil, s.stageError(ctx, req, err, qaerrors.KindLLMUnavailable)
	}
	req.stage = StageAnswered

	return &Result{
		QueryID:       req.id,
		Airport:       code,
		Question:      question,
		Answer:        answer,
		Level:         shaped.Level,
		RecordCount:   shaped.RecordCount,
		TotalArrivals: shaped.TotalArrivals,
		EmptyDataset:  shaped.Empty,
		Stage:         StageAnswered,
		Duration:      s.now().Sub(req.start),
	}, nil
}

// fetch runs the fetch stage under its share of the remaining time
func (s *Service) fetch(ctx context.Context, code airports.Code) (*schedule.Dataset, error) {
	if deadline, ok := ctx.Deadline(); ok {
		share := time.Duration(float64(time.Until(deadline)) * s.config.FetchShare)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, share)
		defer cancel()
	}
	return s.fetcher.Fetch(ctx, code)
}

// stageError classifies err; an expired request deadline always wins
func (s *Service) stageError(ctx context.Context, req *request, err error, fallback qaerrors.Kind) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return qaerrors.NewTimeout(string(stageAfter(req.stage)), ctxErr)
	}
	return qaerrors.Classify(err, fallback, string(stageAfter(req.stage)))
}

// stageAfter names the stage that was running when a failure happened
func stageAfter(done Stage) Stage {
	switch done {
	case StageValidated:
		return "fetch"
	case StageFetched:
		return "shaping"
	case StagePrompted:
		return "generation"
	default:
		return done
	}
}

// record hands the outcome to the recorder; failures are only logged
func (s *Service) record(ctx context.Context, req *request, result *Result, failure *qaerrors.Error) {
	if s.recorder == nil {
		return
	}

	rec := &sqlite.QueryRecord{
		QueryID:     req.id,
		AirportCode: req.airport,
		Question:    req.question,
		DurationMs:  s.now().Sub(req.start).Milliseconds(),
		CreatedAt:   req.start.UTC(),
	}
	if req.shaped != nil {
		rec.ShapingLevel = string(req.shaped.Level)
		rec.TotalArrivals = req.shaped.TotalArrivals
		rec.RecordCount = req.shaped.RecordCount
	}
	if result != nil {
		rec.Answer = result.Answer
	}
	if failure != nil {
		rec.ErrorKind = string(failure.Kind)
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if err := s.recorder.RecordQuery(recordCtx, rec); err != nil {
		req.log.WithError(err).Error("Failed to record query")
	}
}
