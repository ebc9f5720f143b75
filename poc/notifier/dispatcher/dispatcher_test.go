package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/margo/index-notifier/poc/notifier/ackchan"
	"github.com/margo/index-notifier/poc/notifier/types"
)

var defaultLinks = []types.LinkConfig{
	{Title: "crates.io", URL: "https://crates.io/crates/{name}/{version}"},
	{Title: "docs.rs", URL: "https://docs.rs/{name}/{version}"},
}

func event(name, vers string, kind types.EventKind) types.LifecycleEvent {
	return types.LifecycleEvent{Record: types.IndexRecord{Name: name, Vers: vers}, Kind: kind}
}

func TestRenderMessage_Golden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	tests := []struct {
		name  string
		event types.LifecycleEvent
		links []types.LinkConfig
	}{
		{"new_version", event("foo", "1.1.0", types.EventNewVersion), defaultLinks},
		{"yanked", event("serde", "1.0.0-rc.1", types.EventYanked), defaultLinks},
		{"unyanked_custom_links", event("my_crate", "0.1.0+build.5", types.EventUnyanked),
			[]types.LinkConfig{{Title: "lib.rs & co", URL: "https://lib.rs/crates/{name}?v={version}"}}},
		{"no_links", event("foo", "1.1.0", types.EventNewVersion), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g.Assert(t, tt.name, []byte(RenderMessage(tt.event, tt.links)))
		})
	}
}

func TestRenderMessage_EscapesHTML(t *testing.T) {
	msg := RenderMessage(event("<b>", "1.0.0&x", types.EventNewVersion), nil)
	assert.Equal(t, "Crate was updated: <code>&lt;b&gt;#1.0.0&amp;x</code>", msg)
}

type sent struct {
	chat types.ChatID
	opts types.SendOptions
	at   time.Time
}

type fakeSender struct {
	mu      sync.Mutex
	sent    []sent
	failFor map[types.ChatID]bool
	gate    map[types.ChatID]chan struct{}
}

func (f *fakeSender) Send(ctx context.Context, chat types.ChatID, text string, opts types.SendOptions) error {
	if gate, ok := f.gate[chat]; ok {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{chat: chat, opts: opts, at: time.Now()})
	if f.failFor[chat] {
		return errors.New("send failed")
	}
	return nil
}

func (f *fakeSender) Sent() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

func (f *fakeSender) chats() []types.ChatID {
	var chats []types.ChatID
	for _, s := range f.Sent() {
		chats = append(chats, s.chat)
	}
	return chats
}

type fakeLookup struct {
	chats []types.ChatID
	err   error
}

func (f fakeLookup) ListSubscribers(ctx context.Context, pkg string) ([]types.ChatID, error) {
	return f.chats, f.err
}

func broadcastChat(id int64) *types.ChatID {
	chat := types.ChatID(id)
	return &chat
}

// deliver pushes event through a fresh channel and returns the delivery with its receipt.
func deliver(t *testing.T, e types.LifecycleEvent) (ackchan.Delivery, ackchan.Receipt) {
	t.Helper()
	ch := ackchan.New(1)
	receipt, err := ch.Send(context.Background(), e)
	require.NoError(t, err)
	return <-ch.Receive(), receipt
}

func newDispatcher(sender MessageSender, lookup fakeLookup, cfg Config) *Dispatcher {
	return NewDispatcher(sender, lookup, cfg, zap.NewNop().Sugar())
}

func TestDispatch_BroadcastAudibleSubscribersSilent(t *testing.T) {
	sender := &fakeSender{}
	d := newDispatcher(sender, fakeLookup{chats: []types.ChatID{1}}, Config{Broadcast: broadcastChat(-100)})

	delivery, receipt := deliver(t, event("foo", "1.1.0", types.EventNewVersion))
	d.Dispatch(context.Background(), delivery)
	assert.True(t, receipt.Released())

	require.Len(t, sender.Sent(), 2)
	for _, s := range sender.Sent() {
		assert.True(t, s.opts.DisableWebPagePreview)
		if s.chat == -100 {
			assert.False(t, s.opts.DisableNotification, "broadcast is audible")
		} else {
			assert.True(t, s.opts.DisableNotification, "subscriber messages are silent")
		}
	}
}

func TestDispatch_BannedPackageSkipsBroadcastOnly(t *testing.T) {
	sender := &fakeSender{}
	d := newDispatcher(sender, fakeLookup{chats: []types.ChatID{1, 2}}, Config{
		Broadcast: broadcastChat(-100),
		Banned:    map[string]struct{}{"foo": {}},
	})

	delivery, receipt := deliver(t, event("foo", "1.1.0", types.EventNewVersion))
	d.Dispatch(context.Background(), delivery)

	assert.True(t, receipt.Released())
	assert.Equal(t, []types.ChatID{1, 2}, sender.chats())
}

func TestDispatch_NoBroadcastChat(t *testing.T) {
	sender := &fakeSender{}
	d := newDispatcher(sender, fakeLookup{chats: []types.ChatID{5}}, Config{})

	delivery, _ := deliver(t, event("foo", "1.1.0", types.EventYanked))
	d.Dispatch(context.Background(), delivery)

	assert.Equal(t, []types.ChatID{5}, sender.chats())
}

func TestDispatch_LookupErrorMeansNoSubscribers(t *testing.T) {
	sender := &fakeSender{}
	d := newDispatcher(sender, fakeLookup{err: errors.New("db down")}, Config{Broadcast: broadcastChat(-100)})

	delivery, receipt := deliver(t, event("foo", "1.1.0", types.EventNewVersion))
	d.Dispatch(context.Background(), delivery)

	assert.True(t, receipt.Released())
	assert.Equal(t, []types.ChatID{-100}, sender.chats())
}

func TestDispatch_FanOutOrderAndPacing(t *testing.T) {
	sender := &fakeSender{}
	delay := 20 * time.Millisecond
	d := newDispatcher(sender, fakeLookup{chats: []types.ChatID{3, 1, 2}}, Config{InterSubscriberDelay: delay})

	delivery, _ := deliver(t, event("foo", "1.1.0", types.EventNewVersion))
	d.Dispatch(context.Background(), delivery)

	sends := sender.Sent()
	require.Len(t, sends, 3)
	assert.Equal(t, []types.ChatID{3, 1, 2}, sender.chats())
	assert.GreaterOrEqual(t, sends[2].at.Sub(sends[0].at), 2*delay)
}

func TestDispatch_ShutdownInterruptsPacing(t *testing.T) {
	gate := make(chan struct{})
	sender := &fakeSender{gate: map[types.ChatID]chan struct{}{1: gate}}
	d := newDispatcher(sender, fakeLookup{chats: []types.ChatID{1, 2, 3}}, Config{InterSubscriberDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	delivery, receipt := deliver(t, event("foo", "1.1.0", types.EventNewVersion))
	done := make(chan struct{})
	go func() {
		d.Dispatch(ctx, delivery)
		close(done)
	}()

	// the send in flight completes, the pause after it is cut short
	cancel()
	close(gate)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fan-out kept pausing after shutdown")
	}
	assert.True(t, receipt.Released())
	assert.Equal(t, []types.ChatID{1}, sender.chats())
}

func TestDispatch_FailureDoesNotAbortFanOut(t *testing.T) {
	sender := &fakeSender{failFor: map[types.ChatID]bool{1: true, -100: true}}
	d := newDispatcher(sender, fakeLookup{chats: []types.ChatID{1, 2}}, Config{Broadcast: broadcastChat(-100)})

	delivery, receipt := deliver(t, event("foo", "1.1.0", types.EventNewVersion))
	d.Dispatch(context.Background(), delivery)

	assert.True(t, receipt.Released())
	assert.ElementsMatch(t, []types.ChatID{-100, 1, 2}, sender.chats())
}

func TestDispatch_ReleasesOnlyAfterBothFlows(t *testing.T) {
	gate := make(chan struct{})
	sender := &fakeSender{gate: map[types.ChatID]chan struct{}{-100: gate}}
	d := newDispatcher(sender, fakeLookup{chats: []types.ChatID{1}}, Config{Broadcast: broadcastChat(-100)})

	delivery, receipt := deliver(t, event("foo", "1.1.0", types.EventNewVersion))
	done := make(chan struct{})
	go func() {
		d.Dispatch(context.Background(), delivery)
		close(done)
	}()

	// the fan-out finishes while the broadcast is still blocked
	assert.Eventually(t, func() bool { return len(sender.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, receipt.Released, 50*time.Millisecond, 5*time.Millisecond)

	close(gate)
	<-done
	assert.True(t, receipt.Released())
}

func TestRun_DrainsUntilClosed(t *testing.T) {
	sender := &fakeSender{}
	d := newDispatcher(sender, fakeLookup{chats: []types.ChatID{1}}, Config{})
	ch := ackchan.New(2)
	ctx := context.Background()

	first, err := ch.Send(ctx, event("foo", "1.0.0", types.EventNewVersion))
	require.NoError(t, err)
	second, err := ch.Send(ctx, event("foo", "1.1.0", types.EventNewVersion))
	require.NoError(t, err)
	ch.Close()

	require.NoError(t, d.Run(ctx, ch.Receive()))
	assert.True(t, first.Released())
	assert.True(t, second.Released())
	assert.Len(t, sender.Sent(), 2)
}

func TestRun_ReleasesQueuedWithoutSendingAfterCancel(t *testing.T) {
	sender := &fakeSender{}
	d := newDispatcher(sender, fakeLookup{chats: []types.ChatID{1}}, Config{})
	ch := ackchan.New(2)

	receipt, err := ch.Send(context.Background(), event("foo", "1.0.0", types.EventNewVersion))
	require.NoError(t, err)
	ch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, d.Run(ctx, ch.Receive()))
	assert.True(t, receipt.Released())
	assert.Empty(t, sender.Sent())
}
