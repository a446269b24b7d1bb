// ABOUTME: Tests for the cyclic communication loop using the memory hub and a fake clock.
// ABOUTME: Covers heartbeat/reaction counts, cycle timing, stop behaviour and fatal errors.

package loop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-a2a/internal/clock"
	"github.com/2389/coven-a2a/internal/envelope"
	"github.com/2389/coven-a2a/internal/transport"
	"github.com/2389/coven-a2a/internal/transport/memory"
)

var epoch = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

const (
	self envelope.Address = "agent1@hub"
	peer envelope.Address = "agent2@hub"
)

// recorder wraps a transport and remembers what the loop did with it.
type recorder struct {
	transport.Transport
	clk clock.Clock

	mu            sync.Mutex
	receiveStarts []time.Time
	sent          []*envelope.Envelope
	sendErr       func(env *envelope.Envelope) error
}

func (r *recorder) Receive(ctx context.Context, timeout time.Duration) (*envelope.Envelope, error) {
	r.mu.Lock()
	r.receiveStarts = append(r.receiveStarts, r.clk.Now())
	r.mu.Unlock()
	return r.Transport.Receive(ctx, timeout)
}

func (r *recorder) Send(ctx context.Context, env *envelope.Envelope) error {
	r.mu.Lock()
	r.sent = append(r.sent, env)
	fn := r.sendErr
	r.mu.Unlock()

	if fn != nil {
		if err := fn(env); err != nil {
			return err
		}
	}
	return r.Transport.Send(ctx, env)
}

func (r *recorder) sentOfKind(k envelope.Kind) []*envelope.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*envelope.Envelope
	for _, env := range r.sent {
		if env.Kind() == k {
			out = append(out, env)
		}
	}
	return out
}

func (r *recorder) starts() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.receiveStarts...)
}

// countingObserver tallies observer callbacks.
type countingObserver struct {
	mu       sync.Mutex
	received int
	sent     int
	failures []error
}

func (o *countingObserver) EnvelopeReceived(*envelope.Envelope) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.received++
}

func (o *countingObserver) EnvelopeSent(*envelope.Envelope) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent++
}

func (o *countingObserver) SendFailed(_ *envelope.Envelope, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, err)
}

type fixture struct {
	clk  *clock.FakeClock
	hub  *memory.Hub
	rec  *recorder
	peer *memory.Conn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clk := clock.Fake(epoch)
	hub := memory.NewHub(memory.WithClock(clk))

	conn, err := hub.Connect(self)
	require.NoError(t, err)
	peerConn, err := hub.Connect(peer)
	require.NoError(t, err)

	return &fixture{
		clk:  clk,
		hub:  hub,
		rec:  &recorder{Transport: conn, clk: clk},
		peer: peerConn,
	}
}

func (f *fixture) newLoop(t *testing.T, cfg Config, opts ...Option) *Loop {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "agent1"
	}
	if cfg.Peer == "" {
		cfg.Peer = peer
	}
	opts = append([]Option{WithClock(f.clk)}, opts...)
	l, err := New(cfg, f.rec, opts...)
	require.NoError(t, err)
	return l
}

func start(ctx context.Context, l *Loop) <-chan error {
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
		return nil
	}
}

func TestNew_Validation(t *testing.T) {
	hub := memory.NewHub()
	conn, _ := hub.Connect(self)

	_, err := New(Config{Name: "a"}, conn)
	assert.Error(t, err, "missing peer")

	_, err = New(Config{Name: "a", Peer: peer}, nil)
	assert.Error(t, err, "missing transport")

	_, err = New(Config{Name: "a", Peer: peer, CyclePeriod: -time.Second}, conn)
	assert.Error(t, err, "negative duration")

	l, err := New(Config{Name: "a", Peer: peer}, conn)
	require.NoError(t, err)
	cfg := l.Config()
	assert.Equal(t, DefaultReceiveTimeout, cfg.ReceiveTimeout)
	assert.Equal(t, DefaultCyclePeriod, cfg.CyclePeriod)
	assert.Equal(t, DefaultSendTimeout, cfg.SendTimeout)
	assert.Equal(t, "Hello from a!", cfg.Greeting)
	assert.Equal(t, StatusCreated, l.State().Status)
}

func TestLoop_SilentPeerSendsOnlyGreetings(t *testing.T) {
	f := newFixture(t)
	l := f.newLoop(t, Config{ReceiveTimeout: 10 * time.Second, CyclePeriod: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, l)

	// Three cycles: receive times out after 10s, then a 5s idle.
	for i := 0; i < 3; i++ {
		f.clk.WaitForTimers(1)
		f.clk.Advance(10 * time.Second)
		f.clk.WaitForTimers(1)
		if i < 2 {
			f.clk.Advance(5 * time.Second)
		}
	}

	cancel()
	require.NoError(t, waitDone(t, done))

	greetings := f.rec.sentOfKind(envelope.KindGreeting)
	assert.Len(t, greetings, 3)
	assert.Empty(t, f.rec.sentOfKind(envelope.KindResponse))
	for _, g := range greetings {
		assert.Equal(t, peer, g.To)
		assert.Equal(t, "Hello from agent1!", g.Text())
	}

	starts := f.rec.starts()
	require.Len(t, starts, 3)
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		assert.GreaterOrEqual(t, gap, 10*time.Second)
		assert.LessOrEqual(t, gap, 15*time.Second)
	}

	state := l.State()
	assert.Equal(t, StatusStopped, state.Status)
	assert.False(t, state.Running)
	assert.Equal(t, 3, state.Cycles)
	assert.Nil(t, state.LastReceived)
}

func TestLoop_InboundEnvelopeGetsOneResponseAndOneGreeting(t *testing.T) {
	f := newFixture(t)
	obs := &countingObserver{}
	l := f.newLoop(t, Config{ReceiveTimeout: 10 * time.Second, CyclePeriod: 5 * time.Second}, WithObserver(obs))

	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, l)

	f.clk.WaitForTimers(1)
	f.clk.Advance(2 * time.Second)

	hi := envelope.NewGreeting(self, "hi", f.clk.Now())
	require.NoError(t, f.peer.Send(context.Background(), hi))

	// The idle timer is registered only after both sends completed.
	f.clk.WaitForTimers(1)
	cancel()
	require.NoError(t, waitDone(t, done))

	responses := f.rec.sentOfKind(envelope.KindResponse)
	require.Len(t, responses, 1)
	resp := responses[0]
	assert.Equal(t, peer, resp.To, "response goes back to the originating peer")
	assert.Equal(t, "agent1 processed: hi", resp.Text())
	assert.Equal(t, hi.ID, resp.Body.(envelope.Response).InReplyTo)
	assert.Equal(t, epoch.Add(2*time.Second), resp.Body.Time())

	assert.Len(t, f.rec.sentOfKind(envelope.KindGreeting), 1)

	f.rec.mu.Lock()
	assert.Equal(t, envelope.KindResponse, f.rec.sent[0].Kind(), "reaction precedes heartbeat")
	f.rec.mu.Unlock()

	state := l.State()
	require.NotNil(t, state.LastReceived)
	assert.Equal(t, "hi", state.LastReceived.Text())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, obs.received)
	assert.Equal(t, 2, obs.sent)
	assert.Empty(t, obs.failures)
}

func TestLoop_ResponseAddressedToSenderNotConfiguredPeer(t *testing.T) {
	f := newFixture(t)
	other, err := f.hub.Connect("agent3@hub")
	require.NoError(t, err)

	l := f.newLoop(t, Config{ReceiveTimeout: time.Second, CyclePeriod: time.Second})
	require.NoError(t, other.Send(context.Background(), envelope.NewGreeting(self, "from three", epoch)))

	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, l)
	f.clk.WaitForTimers(1) // idle after the first cycle
	cancel()
	require.NoError(t, waitDone(t, done))

	responses := f.rec.sentOfKind(envelope.KindResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, envelope.Address("agent3@hub"), responses[0].To)
	assert.Equal(t, peer, f.rec.sentOfKind(envelope.KindGreeting)[0].To)
}

func TestLoop_OneEnvelopePerCycle(t *testing.T) {
	f := newFixture(t)
	l := f.newLoop(t, Config{ReceiveTimeout: 10 * time.Second, CyclePeriod: 5 * time.Second})

	for _, msg := range []string{"first", "second"} {
		require.NoError(t, f.peer.Send(context.Background(), envelope.NewGreeting(self, msg, epoch)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, l)

	f.clk.WaitForTimers(1) // idle after cycle 1
	assert.Len(t, f.rec.sentOfKind(envelope.KindResponse), 1)
	f.clk.Advance(5 * time.Second)

	f.clk.WaitForTimers(1) // idle after cycle 2
	cancel()
	require.NoError(t, waitDone(t, done))

	responses := f.rec.sentOfKind(envelope.KindResponse)
	require.Len(t, responses, 2)
	assert.Equal(t, "agent1 processed: first", responses[0].Text())
	assert.Equal(t, "agent1 processed: second", responses[1].Text())
	assert.Len(t, f.rec.sentOfKind(envelope.KindGreeting), 2)
}

func TestLoop_ReactionSendFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	obs := &countingObserver{}
	rejected := errors.New("peer rejected envelope")
	f.rec.sendErr = func(env *envelope.Envelope) error {
		if env.Kind() == envelope.KindResponse {
			return rejected
		}
		return nil
	}
	l := f.newLoop(t, Config{ReceiveTimeout: time.Second, CyclePeriod: time.Second}, WithObserver(obs))
	require.NoError(t, f.peer.Send(context.Background(), envelope.NewGreeting(self, "hi", epoch)))

	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, l)
	f.clk.WaitForTimers(1)
	assert.True(t, l.Running())
	cancel()
	require.NoError(t, waitDone(t, done))

	assert.Len(t, f.rec.sentOfKind(envelope.KindGreeting), 1, "heartbeat still attempted")

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.failures, 1)
	var rse *ReactionSendError
	require.ErrorAs(t, obs.failures[0], &rse)
	assert.Equal(t, peer, rse.To)
	assert.ErrorIs(t, rse, rejected)
}

func TestLoop_HeartbeatSendFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	obs := &countingObserver{}
	f.rec.sendErr = func(*envelope.Envelope) error { return memory.ErrMailboxFull }
	l := f.newLoop(t, Config{ReceiveTimeout: time.Second, CyclePeriod: time.Second}, WithObserver(obs))

	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, l)
	f.clk.WaitForTimers(1)
	f.clk.Advance(time.Second)
	f.clk.WaitForTimers(1)
	cancel()
	require.NoError(t, waitDone(t, done))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.failures, 1)
	var hse *HeartbeatSendError
	assert.ErrorAs(t, obs.failures[0], &hse)
}

func TestLoop_ConnectionLostOnReceiveStopsWithoutSending(t *testing.T) {
	f := newFixture(t)
	l := f.newLoop(t, Config{})
	f.hub.Disconnect(self)

	err := waitDone(t, start(context.Background(), l))
	assert.ErrorIs(t, err, transport.ErrConnectionLost)

	f.rec.mu.Lock()
	assert.Empty(t, f.rec.sent)
	f.rec.mu.Unlock()
	assert.Equal(t, StatusStopped, l.State().Status)
}

func TestLoop_ConnectionLostOnSendStopsImmediately(t *testing.T) {
	f := newFixture(t)
	f.rec.sendErr = func(env *envelope.Envelope) error {
		if env.Kind() == envelope.KindResponse {
			return transport.ErrConnectionLost
		}
		return nil
	}
	l := f.newLoop(t, Config{})
	require.NoError(t, f.peer.Send(context.Background(), envelope.NewGreeting(self, "hi", epoch)))

	err := waitDone(t, start(context.Background(), l))
	assert.ErrorIs(t, err, transport.ErrConnectionLost)

	assert.Len(t, f.rec.sentOfKind(envelope.KindResponse), 1)
	assert.Empty(t, f.rec.sentOfKind(envelope.KindGreeting), "no sends after the fatal one")
}

func TestLoop_StopDuringReceive(t *testing.T) {
	f := newFixture(t)
	l := f.newLoop(t, Config{ReceiveTimeout: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, l)
	f.clk.WaitForTimers(1)
	cancel()

	require.NoError(t, waitDone(t, done))
	f.rec.mu.Lock()
	assert.Empty(t, f.rec.sent)
	f.rec.mu.Unlock()
}

func TestLoop_ReactToFilter(t *testing.T) {
	f := newFixture(t)
	l := f.newLoop(t, Config{ReceiveTimeout: time.Second, ReactTo: []envelope.Kind{envelope.KindGreeting}})
	require.NoError(t, f.peer.Send(context.Background(), envelope.NewResponse(self, "x", "ack", epoch)))

	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, l)
	f.clk.WaitForTimers(1)
	cancel()
	require.NoError(t, waitDone(t, done))

	assert.Empty(t, f.rec.sentOfKind(envelope.KindResponse))
	assert.Len(t, f.rec.sentOfKind(envelope.KindGreeting), 1)
	assert.NotNil(t, l.State().LastReceived)
}

func TestLoop_CycleHookAndCustomReactor(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var cycles []int
	reactor := func(in *envelope.Envelope, at time.Time) *envelope.Envelope {
		return envelope.NewResponse(in.From, in.ID, "custom", at)
	}
	l := f.newLoop(t, Config{ReceiveTimeout: time.Second, CyclePeriod: time.Second},
		WithReactor(reactor),
		WithCycleHook(func(n int) {
			mu.Lock()
			defer mu.Unlock()
			cycles = append(cycles, n)
		}),
	)
	require.NoError(t, f.peer.Send(context.Background(), envelope.NewGreeting(self, "hi", epoch)))

	ctx, cancel := context.WithCancel(context.Background())
	done := start(ctx, l)
	f.clk.WaitForTimers(1)
	f.clk.Advance(time.Second)
	f.clk.WaitForTimers(1) // receive of cycle 2
	cancel()
	require.NoError(t, waitDone(t, done))

	mu.Lock()
	assert.Equal(t, []int{1, 2}, cycles)
	mu.Unlock()
	assert.Equal(t, "custom", f.rec.sentOfKind(envelope.KindResponse)[0].Text())
}

func TestLoop_RunTwice(t *testing.T) {
	f := newFixture(t)
	l := f.newLoop(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, l.Run(ctx))
	assert.Error(t, l.Run(ctx))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "created", StatusCreated.String())
	assert.Equal(t, "cycling", StatusCycling.String())
	assert.Equal(t, "stopped", StatusStopped.String())
}
