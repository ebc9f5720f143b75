package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// Index Synchronization Metrics
// =============================================================================

var (
	// SyncCyclesTotal counts synchronization cycles by outcome
	SyncCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_notifier_sync_cycles_total",
			Help: "Total number of index synchronization cycles",
		},
		[]string{"outcome"}, // "ok", "fetch_error", "list_error", "extract_error", "advance_error", "cancelled"
	)

	// CursorAdvancesTotal counts fast-forwards of the local index branch
	CursorAdvancesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "index_notifier_cursor_advances_total",
			Help: "Total number of commits the local index branch was advanced by",
		},
	)

	// EventsTotal counts lifecycle events handed to the dispatcher
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_notifier_events_total",
			Help: "Total number of lifecycle events derived from the index",
		},
		[]string{"kind"},
	)

	// ExtractSkipsTotal counts commit pairs that produced no event
	ExtractSkipsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_notifier_extract_skips_total",
			Help: "Total number of commit pairs skipped during event extraction",
		},
		[]string{"reason"}, // "foreign_author", "unsupported_delta"
	)

	// ExtractErrorsTotal counts commit pairs that failed extraction
	ExtractErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_notifier_extract_errors_total",
			Help: "Total number of commit pairs that could not be turned into events",
		},
		[]string{"kind"}, // "malformed_record", "shape_violation", "ambiguous_transition", "other"
	)

	// AckWaitSeconds measures how long the synchronizer waits for the dispatcher
	AckWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "index_notifier_ack_wait_seconds",
			Help:    "Time between handing an event off and its acknowledgment",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
	)
)

// =============================================================================
// Delivery Metrics
// =============================================================================

var (
	// SendsTotal counts messages by delivery flow and final outcome
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_notifier_sends_total",
			Help: "Total number of notification deliveries",
		},
		[]string{"flow", "outcome"}, // "broadcast"|"subscriber", "delivered"|"failed"|"suppressed"
	)

	// SendAttemptsTotal counts individual transport attempts
	SendAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_notifier_send_attempts_total",
			Help: "Total number of message transport attempts including retries",
		},
		[]string{"result"}, // "ok", "retryable", "permanent"
	)

	// SubscriberLookupErrorsTotal counts failed subscriber lookups
	SubscriberLookupErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "index_notifier_subscriber_lookup_errors_total",
			Help: "Total number of subscriber lookups that failed and degraded to no recipients",
		},
	)

	// DispatchSeconds measures the time from receiving an event to releasing its token
	DispatchSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "index_notifier_dispatch_seconds",
			Help:    "Time spent delivering one event to all destinations",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
	)
)

// Serve exposes the default registry on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, log *zap.SugaredLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warnw("Metrics server shutdown failed", "error", err)
		}
	}()

	log.Infow("Serving metrics", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
