package synchronizer

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/kr/pretty"
	"go.uber.org/zap"

	"github.com/margo/index-notifier/poc/notifier/ackchan"
	"github.com/margo/index-notifier/poc/notifier/extractor"
	"github.com/margo/index-notifier/poc/notifier/metrics"
	"github.com/margo/index-notifier/poc/notifier/types"
	"github.com/margo/index-notifier/shared-lib/git"
)

// Index is the local mirror of the package index.
type Index interface {
	Fetch(ctx context.Context, progress io.Writer) error
	PendingPairs(ctx context.Context) ([]git.CommitPair, error)
	Advance(ctx context.Context, target plumbing.Hash) error
}

// EventExtractor derives at most one event from a commit pair.
type EventExtractor interface {
	Extract(ctx context.Context, prev, next *object.Commit) (*types.LifecycleEvent, error)
}

// Synchronizer pulls the index and hands events to the dispatcher one at a time. The local
// branch only moves past a commit once its event has been acknowledged.
type Synchronizer struct {
	index     Index
	extractor EventExtractor
	ch        *ackchan.Channel
	pullDelay time.Duration
	trigger   chan struct{}
	log       *zap.SugaredLogger
}

func NewSynchronizer(index Index, extractor EventExtractor, ch *ackchan.Channel, pullDelay time.Duration, log *zap.SugaredLogger) *Synchronizer {
	return &Synchronizer{
		index:     index,
		extractor: extractor,
		ch:        ch,
		pullDelay: pullDelay,
		trigger:   make(chan struct{}, 1),
		log:       log,
	}
}

// TriggerSync cuts the current idle wait short. It never blocks.
func (s *Synchronizer) TriggerSync() {
	select {
	case s.trigger <- struct{}{}:
	default: // Already queued
	}
}

// Run synchronizes until ctx is cancelled, then closes the channel so the consumer can drain.
func (s *Synchronizer) Run(ctx context.Context) error {
	defer s.ch.Close()

	s.log.Infow("Starting index synchronization loop", "pullDelay", s.pullDelay)

	for {
		outcome, err := s.cycle(ctx)
		metrics.SyncCyclesTotal.WithLabelValues(outcome).Inc()
		if err != nil && ctx.Err() == nil {
			s.log.Errorw("Index synchronization cycle failed", "outcome", outcome, "error", err)
		}

		if !s.idle(ctx) {
			s.log.Info("Index synchronization loop shutting down")
			return nil
		}
	}
}

// idle waits for the pull delay or an explicit trigger. It returns false once ctx is done.
func (s *Synchronizer) idle(ctx context.Context) bool {
	timer := time.NewTimer(s.pullDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-s.trigger:
		s.log.Debug("Synchronization triggered explicitly")
		return true
	}
}

// cycle fetches the index and walks every pending commit pair in order. Any error leaves the
// cursor at the last acknowledged commit.
func (s *Synchronizer) cycle(ctx context.Context) (string, error) {
	if err := s.index.Fetch(ctx, nil); err != nil {
		return outcomeFor(ctx, "fetch_error"), types.IndexError(types.OperationFetchingIndex, err)
	}

	pairs, err := s.index.PendingPairs(ctx)
	if err != nil {
		return outcomeFor(ctx, "list_error"), types.IndexError(types.OperationListingCommits, err)
	}
	if len(pairs) == 0 {
		s.log.Debug("Index is up to date")
		return "ok", nil
	}

	s.log.Infow("Processing index commits", "count", len(pairs))

	for _, pair := range pairs {
		if err := ctx.Err(); err != nil {
			return "cancelled", err
		}
		if outcome, err := s.process(ctx, pair); err != nil {
			return outcome, err
		}
	}
	return "ok", nil
}

func (s *Synchronizer) process(ctx context.Context, pair git.CommitPair) (string, error) {
	next := pair.Next.Hash

	event, err := s.extractor.Extract(ctx, pair.Prev, pair.Next)
	switch {
	case err != nil && extractor.IsSoftSkip(err):
		metrics.ExtractSkipsTotal.WithLabelValues("unsupported_delta").Inc()
		s.log.Warnw("Commit carries no supported change", "commit", next.String(), "error", err)
	case err != nil:
		metrics.ExtractErrorsTotal.WithLabelValues(extractErrorKind(err)).Inc()
		return outcomeFor(ctx, "extract_error"), types.ExtractorError(err)
	case event == nil:
		metrics.ExtractSkipsTotal.WithLabelValues("foreign_author").Inc()
	default:
		if err := s.handOff(ctx, *event); err != nil {
			return "cancelled", err
		}
	}

	if err := s.index.Advance(ctx, next); err != nil {
		return outcomeFor(ctx, "advance_error"), types.IndexError(types.OperationAdvancingCursor, err)
	}
	metrics.CursorAdvancesTotal.Inc()
	s.log.Debugw("Cursor advanced", "commit", next.String())
	return "ok", nil
}

// handOff sends the event and blocks until the dispatcher releases its token.
func (s *Synchronizer) handOff(ctx context.Context, event types.LifecycleEvent) error {
	metrics.EventsTotal.WithLabelValues(string(event.Kind)).Inc()
	s.log.Debugw("Handing off event", "event", pretty.Sprint(event))

	receipt, err := s.ch.Send(ctx, event)
	if err != nil {
		return types.NewNotifierError(types.ComponentSynchronizer, types.OperationHandingOff, err, true)
	}

	start := time.Now()
	if err := receipt.Wait(ctx); err != nil {
		return types.NewNotifierError(types.ComponentSynchronizer, types.OperationHandingOff, err, true)
	}
	metrics.AckWaitSeconds.Observe(time.Since(start).Seconds())

	s.log.Infow("Event acknowledged", "event", event.String(), "token", receipt.ID())
	return nil
}

func outcomeFor(ctx context.Context, outcome string) string {
	if ctx.Err() != nil {
		return "cancelled"
	}
	return outcome
}

func extractErrorKind(err error) string {
	switch {
	case errors.Is(err, extractor.ErrMalformedRecord):
		return "malformed_record"
	case errors.Is(err, extractor.ErrShapeViolation):
		return "shape_violation"
	case errors.Is(err, extractor.ErrAmbiguousTransition):
		return "ambiguous_transition"
	default:
		return "other"
	}
}
