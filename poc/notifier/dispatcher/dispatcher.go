package dispatcher

import (
	"context"
	"time"

	"github.com/kr/pretty"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/margo/index-notifier/poc/notifier/ackchan"
	"github.com/margo/index-notifier/poc/notifier/database"
	"github.com/margo/index-notifier/poc/notifier/metrics"
	"github.com/margo/index-notifier/poc/notifier/types"
)

// MessageSender delivers one message, retrying as it sees fit.
type MessageSender interface {
	Send(ctx context.Context, chat types.ChatID, text string, opts types.SendOptions) error
}

type Config struct {
	// Broadcast is the chat every event is announced in; nil disables the broadcast flow
	Broadcast            *types.ChatID
	Banned               map[string]struct{}
	InterSubscriberDelay time.Duration
	Links                []types.LinkConfig
}

// Dispatcher delivers each event to the broadcast chat and to the package's subscribers,
// then releases the event's token.
type Dispatcher struct {
	sender MessageSender
	lookup database.SubscriberLookup
	cfg    Config
	log    *zap.SugaredLogger
}

func NewDispatcher(sender MessageSender, lookup database.SubscriberLookup, cfg Config, log *zap.SugaredLogger) *Dispatcher {
	if cfg.Banned == nil {
		cfg.Banned = map[string]struct{}{}
	}
	return &Dispatcher{
		sender: sender,
		lookup: lookup,
		cfg:    cfg,
		log:    log,
	}
}

// Run consumes deliveries until the channel is closed. Once ctx is done, queued deliveries are
// released without being sent; the one in flight always completes.
func (d *Dispatcher) Run(ctx context.Context, deliveries <-chan ackchan.Delivery) error {
	d.log.Info("Starting dispatcher")

	for delivery := range deliveries {
		if ctx.Err() != nil {
			d.log.Infow("Dropping queued event on shutdown", "event", delivery.Event.String())
			delivery.Token.Release()
			continue
		}
		d.Dispatch(ctx, delivery)
	}

	d.log.Info("Dispatcher stopped")
	return nil
}

// Dispatch runs the broadcast and fan-out flows concurrently and releases the token once both
// have finished. Delivery failures are logged and never prevent the release.
func (d *Dispatcher) Dispatch(ctx context.Context, delivery ackchan.Delivery) {
	defer delivery.Token.Release()

	start := time.Now()
	// sends in flight are not cut short by shutdown
	sendCtx := context.WithoutCancel(ctx)

	event := delivery.Event
	message := RenderMessage(event, d.cfg.Links)
	d.log.Debugw("Dispatching event", "event", pretty.Sprint(event), "token", delivery.Token.ID())

	var g errgroup.Group
	g.Go(func() error {
		d.broadcast(sendCtx, event, message)
		return nil
	})
	g.Go(func() error {
		d.fanOut(ctx, sendCtx, event, message)
		return nil
	})
	_ = g.Wait()

	metrics.DispatchSeconds.Observe(time.Since(start).Seconds())
	d.log.Infow("Event dispatched", "event", event.String(), "duration", time.Since(start))
}

func (d *Dispatcher) broadcast(ctx context.Context, event types.LifecycleEvent, message string) {
	if d.cfg.Broadcast == nil {
		return
	}
	if _, banned := d.cfg.Banned[event.Record.Name]; banned {
		metrics.SendsTotal.WithLabelValues("broadcast", "suppressed").Inc()
		d.log.Debugw("Broadcast suppressed for banned package", "package", event.Record.Name)
		return
	}

	chat := *d.cfg.Broadcast
	opts := types.SendOptions{DisableWebPagePreview: true}
	if err := d.sender.Send(ctx, chat, message, opts); err != nil {
		metrics.SendsTotal.WithLabelValues("broadcast", "failed").Inc()
		d.log.Errorw("Failed to broadcast event", "event", event.String(), "chat", chat, "error", err)
		return
	}
	metrics.SendsTotal.WithLabelValues("broadcast", "delivered").Inc()
}

// fanOut notifies subscribers one at a time. Shutdown interrupts the pause between two
// subscribers and leaves the rest unsent; the cursor has not moved past the event, so it is
// delivered again after a restart.
func (d *Dispatcher) fanOut(ctx, sendCtx context.Context, event types.LifecycleEvent, message string) {
	chats, err := d.lookup.ListSubscribers(sendCtx, event.Record.Name)
	if err != nil {
		metrics.SubscriberLookupErrorsTotal.Inc()
		d.log.Errorw("Failed to list subscribers", "package", event.Record.Name, "error", err)
		return
	}

	opts := types.SendOptions{DisableNotification: true, DisableWebPagePreview: true}
	for i, chat := range chats {
		if i > 0 && !d.pause(ctx) {
			d.log.Warnw("Fan-out interrupted by shutdown",
				"event", event.String(),
				"notified", i,
				"remaining", len(chats)-i,
			)
			return
		}

		if err := d.sender.Send(sendCtx, chat, message, opts); err != nil {
			metrics.SendsTotal.WithLabelValues("subscriber", "failed").Inc()
			d.log.Errorw("Failed to notify subscriber", "event", event.String(), "chat", chat, "error", err)
			continue
		}
		metrics.SendsTotal.WithLabelValues("subscriber", "delivered").Inc()
	}
}

// pause waits InterSubscriberDelay and reports false when ctx is done first.
func (d *Dispatcher) pause(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if d.cfg.InterSubscriberDelay <= 0 {
		return true
	}

	timer := time.NewTimer(d.cfg.InterSubscriberDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
