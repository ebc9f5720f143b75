package sender

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/margo/index-notifier/poc/notifier/metrics"
	"github.com/margo/index-notifier/poc/notifier/telegram"
	"github.com/margo/index-notifier/poc/notifier/types"
)

const (
	DefaultAttempts   = 5
	DefaultRetryDelay = 5 * time.Second
)

// Transport delivers a single message without retrying.
type Transport interface {
	SendMessage(ctx context.Context, chat types.ChatID, text string, opts types.SendOptions) error
}

type Config struct {
	Attempts   int
	RetryDelay time.Duration
	// RatePerSecond caps sends across all callers; 0 disables the cap
	RatePerSecond float64
	Burst         int
}

// Sender wraps a Transport with bounded retries and an optional global rate limit.
// It is safe for concurrent use by the broadcast and fan-out flows.
type Sender struct {
	transport  Transport
	attempts   int
	retryDelay time.Duration
	limiter    *rate.Limiter
	log        *zap.SugaredLogger
}

func NewSender(transport Transport, cfg Config, log *zap.SugaredLogger) *Sender {
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = DefaultAttempts
	}

	s := &Sender{
		transport:  transport,
		attempts:   attempts,
		retryDelay: cfg.RetryDelay,
		log:        log,
	}

	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return s
}

// Send tries up to the configured number of attempts and returns the last error.
// Permanent transport errors end the loop early.
func (s *Sender) Send(ctx context.Context, chat types.ChatID, text string, opts types.SendOptions) error {
	var lastErr error

	for attempt := 1; attempt <= s.attempts; attempt++ {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("rate limiter wait: %w", err)
			}
		}

		err := s.transport.SendMessage(ctx, chat, text, opts)
		if err == nil {
			metrics.SendAttemptsTotal.WithLabelValues("ok").Inc()
			return nil
		}
		lastErr = err

		if telegram.IsPermanent(err) {
			metrics.SendAttemptsTotal.WithLabelValues("permanent").Inc()
			s.log.Warnw("Message rejected permanently", "chat", chat, "error", err)
			return types.NewNotifierError(types.ComponentTransport, types.OperationSendingMessage, err, false)
		}
		metrics.SendAttemptsTotal.WithLabelValues("retryable").Inc()

		if attempt == s.attempts {
			break
		}

		delay := s.retryDelay
		if hint := telegram.RetryAfter(err); hint > delay {
			delay = hint
		}
		s.log.Warnw("Message send failed, retrying",
			"chat", chat,
			"attempt", attempt,
			"maxAttempts", s.attempts,
			"delay", delay,
			"error", err,
		)

		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}

	return types.NewNotifierError(types.ComponentTransport, types.OperationSendingMessage,
		fmt.Errorf("giving up after %d attempts: %w", s.attempts, lastErr), true)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
