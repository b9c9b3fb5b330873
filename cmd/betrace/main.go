// Command betrace runs the rule evaluation engine as a standalone
// process: declarative rules from a JSON file, spans as JSON lines on
// stdin, signals to the configured sink. Intended for local development
// and piping recorded traces through a rule set; production embeds the
// betrace package behind a real ingest transport.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	betrace "github.com/betracehq/betrace"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("BETRACE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	rulesPath := os.Getenv("BETRACE_RULES_PATH")
	if rulesPath == "" {
		rulesPath = "rules.json"
	}
	source, err := loadRuleFile(rulesPath)
	if err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	logger.Info("rules loaded", "path", rulesPath, "count", source.count())

	app, err := betrace.New(
		betrace.WithVersion(version),
		betrace.WithLogger(logger),
		betrace.WithRuleSource(source),
	)
	if err != nil {
		return err
	}

	// Run the engine in the background; cancel on stdin EOF so a piped
	// file is fully processed, drained, and flushed before exit.
	runCtx, stop := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- app.Run(runCtx) }()

	ingestSpans(ctx, app, logger)
	stop()
	return <-errCh
}

// ingestSpans reads one span per line from stdin and submits it, backing
// off briefly when the pipeline pushes back.
func ingestSpans(ctx context.Context, app *betrace.App, logger *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var span betrace.Span
		if err := json.Unmarshal(line, &span); err != nil {
			logger.Warn("skipping malformed span", "error", err)
			continue
		}

		for {
			err := app.Submit(ctx, span.TenantID, span.TraceID, []betrace.Span{span})
			if err == nil {
				break
			}
			if errors.Is(err, betrace.ErrOverloaded) {
				select {
				case <-time.After(50 * time.Millisecond):
					continue
				case <-ctx.Done():
					return
				}
			}
			logger.Warn("span rejected", "trace_id", span.TraceID, "error", err)
			break
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error("stdin read failed", "error", err)
	}
}
