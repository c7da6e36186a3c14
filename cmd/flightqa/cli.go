package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yegors/flightqa/internal/airports"
	"github.com/yegors/flightqa/internal/api"
	"github.com/yegors/flightqa/internal/config"
	qaerrors "github.com/yegors/flightqa/internal/errors"
	"github.com/yegors/flightqa/pkg/logger"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp(stdout io.Writer) *cli.App {
	app := &cli.App{
		Name:    "flightqa",
		Usage:   "Answer questions about flight arrivals at major airports",
		Version: Version,
		Writer:  stdout,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a TOML config file",
				EnvVars: []string{"FLIGHTQA_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			serveCmd(),
			askCmd(),
			airportsCmd(),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// serveCmd runs the HTTP API until interrupted.
func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Usage: "Listen host (overrides config)"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "Listen port (overrides config)"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return outputError(err)
			}
			if c.IsSet("host") {
				cfg.Server.Host = c.String("host")
			}
			if c.IsSet("port") {
				cfg.Server.Port = c.Int("port")
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return outputError(err)
			}
			defer a.Close()

			var history api.QueryHistory
			if a.queries != nil {
				history = a.queries
			}
			router := api.NewRouter(a.service, history, cfg.Server, a.logger)

			server := &http.Server{
				Addr:              cfg.Server.Addr(),
				Handler:           router.Routes(),
				ReadHeaderTimeout: 10 * time.Second,
				// analyze requests run the whole pipeline
				WriteTimeout: cfg.Pipeline.RequestTimeout() + 10*time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("Starting HTTP server",
					logger.String("addr", server.Addr),
					logger.String("llm_provider", cfg.LLM.Provider),
					logger.String("llm_model", cfg.LLM.Model),
					logger.String("cache", cfg.Cache.Backend))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return outputError(fmt.Errorf("failed to serve: %w", err))
				}
			case <-ctx.Done():
				a.logger.Info("Shutting down HTTP server")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return outputError(fmt.Errorf("failed to shut down: %w", err))
			}
			return nil
		},
	}
}

// askCmd answers one question and prints the result as JSON.
func askCmd() *cli.Command {
	return &cli.Command{
		Name:      "ask",
		Usage:     "Answer one question about arrivals at an airport",
		ArgsUsage: "<question>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "airport", Aliases: []string{"a"}, Required: true, Usage: "Airport code: DXB, LHR, CDG, SIN, HKG or AMS"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return outputError(err)
			}

			a, err := newApp(c.Context, cfg)
			if err != nil {
				return outputError(err)
			}
			defer a.Close()

			question := strings.Join(c.Args().Slice(), " ")
			result, err := a.service.AnswerQuestion(c.Context, c.String("airport"), question)
			if err != nil {
				return outputError(err)
			}

			return outputJSON(c.App.Writer, result)
		},
	}
}

// airportsCmd lists supported airports and their sample questions.
func airportsCmd() *cli.Command {
	return &cli.Command{
		Name:  "airports",
		Usage: "List supported airports",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "questions", Aliases: []string{"q"}, Usage: "Include sample questions"},
		},
		Action: func(c *cli.Context) error {
			type entry struct {
				airports.Airport
				Questions []string `json:"questions,omitempty"`
			}

			var out []entry
			for _, a := range airports.All() {
				e := entry{Airport: a}
				if c.Bool("questions") {
					e.Questions = airports.SampleQuestions(a.Code)
				}
				out = append(out, e)
			}
			return outputJSON(c.App.Writer, out)
		},
	}
}

// outputJSON writes v as indented JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	if e, ok := qaerrors.As(err); ok {
		return cli.Exit(fmt.Sprintf("[%s] %s", e.Kind, e.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}
