package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"pmdash/internal/config"
	"pmdash/internal/engine"
	pmerrors "pmdash/internal/errors"
	"pmdash/internal/project"
	"pmdash/internal/slogutil"
)

// session is an open engine plus the loggers that feed it.
type session struct {
	engine  *engine.Engine
	logger  *slog.Logger
	factory *slogutil.LoggerFactory
}

// openSession finds the project containing the working directory and opens
// its engine. subsystem picks the log file under .pmdash/logs.
func openSession(subsystem string) (*session, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, pmerrors.New(pmerrors.InternalError, "failed to get current directory", err)
	}
	p, err := project.Find(cwd)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(p.Root)
	if err != nil {
		return nil, err
	}

	var cliLevel *slog.Level
	if verboseFlag > 0 {
		lvl := slogutil.LevelFromVerbosity(verboseFlag, false)
		cliLevel = &lvl
	}
	factory := slogutil.NewLoggerFactory(p.Root, cfg, cliLevel)

	var fileLogger *slog.Logger
	if subsystem == "watch" {
		fileLogger = factory.WatchLogger()
	} else {
		fileLogger = factory.SyncLogger()
	}
	stderr := slogutil.NewLogger(os.Stderr, slogutil.LevelFromVerbosity(verboseFlag, quietFlag))
	logger := slog.New(slogutil.NewTeeHandler(stderr.Handler(), fileLogger.Handler()))

	e, err := engine.Open(p.Root, cfg, logger)
	if err != nil {
		_ = factory.Close()
		return nil, err
	}
	return &session{engine: e, logger: logger, factory: factory}, nil
}

func (s *session) Close() {
	if err := s.engine.Close(); err != nil {
		s.logger.Warn("Failed to close engine", "error", err)
	}
	_ = s.factory.Close()
}

func loadConfig(root string) (*config.Config, error) {
	cfg, err := config.LoadConfig(root)
	if err != nil && pmerrors.CodeOf(err) == "" {
		err = pmerrors.New(pmerrors.ConfigInvalid, "failed to load configuration", err)
	}
	return cfg, err
}

// newContext is cancelled on SIGINT or SIGTERM.
func newContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// printResponse writes resp to stdout in the selected format.
func printResponse(resp interface{}) error {
	out, err := FormatResponse(resp, OutputFormat(formatFlag))
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

// printError reports a command failure on stderr.
func printError(err error) {
	if OutputFormat(formatFlag) == FormatJSON {
		var pe *pmerrors.PmError
		if stderrors.As(err, &pe) {
			data, _ := json.MarshalIndent(map[string]interface{}{"error": pe, "detail": err.Error()}, "", "  ")
			fmt.Fprintln(os.Stderr, string(data))
			return
		}
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	var pe *pmerrors.PmError
	if stderrors.As(err, &pe) {
		for _, fix := range pe.SuggestedFixes {
			if fix.Command != "" {
				fmt.Fprintf(os.Stderr, "  Try: %s\n", fix.Command)
			}
		}
	}
}

// exitCode maps error codes to process exit codes.
func exitCode(err error) int {
	switch pmerrors.CodeOf(err) {
	case pmerrors.OperationInProgress:
		return 3
	case pmerrors.InvalidPath, pmerrors.InvalidArgument, pmerrors.ConfigInvalid, pmerrors.ProjectNotFound:
		return 2
	default:
		return 1
	}
}
