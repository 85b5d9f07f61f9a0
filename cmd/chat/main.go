// Command chat runs the follow-up interview in the terminal, talking to the
// analysis service directly.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/emotionlistener/emotion-listener/internal/analysis"
	"github.com/emotionlistener/emotion-listener/internal/session"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		backendURL string
		timeout    time.Duration
		logFile    string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the emotion listener from your terminal",
		Long: `chat asks for a description of how you feel, walks you through the
follow-up questions returned by the analysis service and prints its final
assessment.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, closeLog, err := openLogger(logFile)
			if err != nil {
				return err
			}
			defer closeLog()

			client, err := analysis.NewClient(analysis.ClientConfig{
				BaseURL: backendURL,
				Timeout: timeout,
			}, analysis.WithLogger(logger))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			newSession := func() *session.Controller {
				return session.New(client, session.WithLogger(logger))
			}
			p := tea.NewProgram(newModel(ctx, newSession), tea.WithAltScreen(), tea.WithContext(ctx))
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("run chat: %w", err)
			}
			return nil
		},
	}

	_ = godotenv.Load()
	defaultURL := os.Getenv("ANALYSIS_API_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:5000"
	}

	cmd.Flags().StringVar(&backendURL, "backend-url", defaultURL, "base URL of the analysis service")
	cmd.Flags().DurationVar(&timeout, "timeout", 90*time.Second, "timeout of a single analysis request")
	cmd.Flags().StringVar(&logFile, "log-file", "", "write diagnostic logs to this file (discarded when empty)")
	return cmd
}

// openLogger keeps slog output away from the alt screen.
func openLogger(path string) (*slog.Logger, func(), error) {
	if path == "" {
		return slog.New(slog.NewJSONHandler(io.Discard, nil)), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return logger, func() { _ = f.Close() }, nil
}
