// Package metrics has prometheus metric variables and the HTTP endpoint that
// exposes them.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricSign = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smime_signer_sign_total",
			Help: "S/MIME signing attempts, by signing mode and result (signed, not_found, parse_error, crypto_failure, encoding_failure, session_error).",
		},
		[]string{
			"mode",
			"result",
		},
	)
	metricSignDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smime_signer_sign_duration_seconds",
			Help:    "Duration of signing sessions, including key material loading and message rewriting.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5},
		},
		[]string{
			"mode",
		},
	)
	metricDelivery = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smime_signer_delivery_total",
			Help: "Messages handed to a delivery provider by the relay, by provider and result (ok, error).",
		},
		[]string{
			"provider",
			"result",
		},
	)
)

// SignObserve records the outcome of one signing session.
func SignObserve(mode, result string, start time.Time) {
	metricSign.WithLabelValues(mode, result).Inc()
	metricSignDuration.WithLabelValues(mode).Observe(float64(time.Since(start)) / float64(time.Second))
}

// DeliveryObserve records the outcome of one relay delivery.
func DeliveryObserve(provider string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metricDelivery.WithLabelValues(provider, result).Inc()
}

// shutdownTimeout bounds the wait for in-flight scrapes on shutdown.
const shutdownTimeout = 5 * time.Second

// ListenAndServe serves /metrics on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, ln)
}

// Serve serves /metrics on ln until ctx is cancelled.
func Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown", "error", err)
		}
	}()

	slog.Info("metrics server listening", "addr", ln.Addr().String())

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
