package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/whisper/chat-client/internal/config"
	"github.com/whisper/chat-client/internal/console"
	"github.com/whisper/chat-client/internal/session"
	"github.com/whisper/chat-client/internal/transport"
)

var rootCmd = &cobra.Command{
	Use:          "chatclient",
	Short:        "Terminal chat with an assistant over socket.io, NATS or Redis",
	SilenceUsage: true,
	RunE:         runClient,
}

var (
	flagEndpoint          string
	flagReconnectAttempts int
	flagReconnectDelay    time.Duration
	flagMetricsAddr       string
	flagLogLevel          string
	flagClientID          string
	flagSubjectPrefix     string
)

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&flagEndpoint, "endpoint", "http://localhost:3000", "server endpoint: http(s)/ws(s) for socket.io, nats://, or redis:// (env CHAT_ENDPOINT)")
	flags.IntVar(&flagReconnectAttempts, "reconnect-attempts", 5, "reconnection attempts before giving up (env CHAT_RECONNECT_ATTEMPTS)")
	flags.DurationVar(&flagReconnectDelay, "reconnect-delay", time.Second, "fixed delay between reconnection attempts (env CHAT_RECONNECT_DELAY)")
	flags.StringVar(&flagMetricsAddr, "metrics-addr", "", "serve /metrics and /health on this address; empty disables (env CHAT_METRICS_ADDR)")
	flags.StringVar(&flagLogLevel, "log-level", "info", "log level (env CHAT_LOG_LEVEL)")
	flags.StringVar(&flagClientID, "client-id", "", "client id for nats and redis channels; generated when empty (env CHAT_CLIENT_ID)")
	flags.StringVar(&flagSubjectPrefix, "subject-prefix", "assistant", "nats subject / redis channel prefix (env CHAT_SUBJECT_PREFIX)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the environment, then applies the flags the user set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("endpoint") {
		cfg.Endpoint = flagEndpoint
	}
	if flags.Changed("reconnect-attempts") {
		cfg.ReconnectAttempts = flagReconnectAttempts
	}
	if flags.Changed("reconnect-delay") {
		cfg.ReconnectDelay = flagReconnectDelay
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = flagMetricsAddr
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if flags.Changed("client-id") {
		cfg.ClientID = flagClientID
	}
	if flags.Changed("subject-prefix") {
		cfg.SubjectPrefix = flagSubjectPrefix
	}
	return cfg, cfg.Validate()
}

// setupLogger writes human-readable logs to stderr so they stay out of the
// conversation on stdout.
func setupLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	w := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.Kitchen,
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}
	logger := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

func runClient(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("endpoint", cfg.Endpoint).
		Int("reconnect_attempts", cfg.ReconnectAttempts).
		Dur("reconnect_delay", cfg.ReconnectDelay).
		Str("metrics_addr", cfg.MetricsAddr).
		Msg("[chatclient] starting")

	tr, err := transport.New(cfg.Transport(), logger)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	sess := session.New(tr, session.Options{Logger: logger})
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Warn().Err(err).Msg("[chatclient] close session")
		}
	}()

	if cfg.MetricsAddr != "" {
		srv := newMetricsServer(cfg.MetricsAddr, sess)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !isServerClosed(err) {
				logger.Warn().Err(err).Msg("[chatclient] metrics server stopped")
			}
		}()
		defer shutdownServer(srv, logger)
		logger.Info().Msgf("[chatclient] metrics at http://%s/metrics", cfg.MetricsAddr)
	}

	if err := sess.Start(ctx); err != nil {
		return err
	}

	view := console.New(sess, os.Stdin, os.Stdout, console.Options{
		Logger: logger,
		Prompt: isatty.IsTerminal(os.Stdin.Fd()),
	})
	if err := view.Run(ctx); err != nil {
		return err
	}
	logger.Info().Msg("[chatclient] shutdown complete")
	return nil
}
