package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/chat-client/internal/metrics"
	"github.com/whisper/chat-client/internal/session"
)

type statusSource interface {
	Snapshot() session.State
}

func newMetricsServer(addr string, sess statusSource) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", healthHandler(sess, time.Now()))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// healthHandler reports the session's connection status. It answers 503 while
// the session is not connected.
func healthHandler(sess statusSource, startedAt time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := sess.Snapshot()

		code := http.StatusOK
		if st.Status != session.StatusConnected {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)

		resp := struct {
			Status   string `json:"status"`
			Messages int    `json:"messages"`
			Typing   bool   `json:"typing"`
			Uptime   string `json:"uptime"`
		}{
			Status:   string(st.Status),
			Messages: len(st.Messages),
			Typing:   st.Typing,
			Uptime:   time.Since(startedAt).Round(time.Second).String(),
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func isServerClosed(err error) bool {
	return errors.Is(err, http.ErrServerClosed)
}

func shutdownServer(srv *http.Server, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("[chatclient] metrics server shutdown")
	}
}
