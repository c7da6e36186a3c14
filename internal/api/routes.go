package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/yegors/flightqa/internal/config"
	"github.com/yegors/flightqa/pkg/logger"
)

// Router is the API router
type Router struct {
	handler    *Handler
	middleware *Middleware
	config     config.ServerConfig
	logger     *logger.Logger
}

// NewRouter creates a new API router. history may be nil when the query
// log is disabled.
func NewRouter(answerer QuestionAnswerer, history QueryHistory, config config.ServerConfig, logger *logger.Logger) *Router {
	return &Router{
		handler:    NewHandler(answerer, history, logger),
		middleware: NewMiddleware(logger),
		config:     config,
		logger:     logger.Named("api-router"),
	}
}

// Routes returns the API routes
func (r *Router) Routes() http.Handler {
	router := chi.NewRouter()

	// Middleware
	router.Use(r.middleware.RequestID)
	router.Use(r.middleware.Logger)
	router.Use(r.middleware.Recoverer)
	router.Use(r.middleware.CORS(r.config.CORSAllowedOrigins))

	router.Route("/api/v1", func(router chi.Router) {
		// Question answering is the only endpoint that calls providers
		router.With(r.middleware.RateLimit(r.config.RateLimitPerMinute, r.config.RateLimitBurst)).
			Post("/analyze", r.handler.Analyze)

		// Airport catalogue
		router.Get("/airports", r.handler.GetAirports)
		router.Get("/airports/{code}/questions", r.handler.GetSampleQuestions)

		// Query log
		router.Get("/history", r.handler.GetHistory)

		// Health check
		router.Get("/health", r.handler.GetHealth)
	})

	return router
}
