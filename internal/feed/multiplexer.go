// Package feed implements FeedMultiplexer (spec §4.2): normalizes a
// client's venue events, streamed or polled, into a single ordered
// BalanceUpdate sequence. Grounded on the teacher's
// internal/order/user_stream_futures.go for the reconnect-with-backoff
// websocket pump shape and internal/reconciliation/service.go for the
// ticker-driven poll loop.
package feed

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"risk-core/internal/domain"
	"risk-core/internal/venue/common"
)

// Config tunes polling cadence, staleness detection, and stream reconnect
// backoff (spec §6 monitoring.pollInterval / monitoring.staleThreshold).
type Config struct {
	PollInterval       time.Duration
	StaleThreshold     time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
}

// DefaultConfig matches the spec's defaults (pollInterval=10s,
// staleThreshold=2x pollInterval).
func DefaultConfig() Config {
	return Config{
		PollInterval:       10 * time.Second,
		StaleThreshold:     20 * time.Second,
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  30 * time.Second,
	}
}

// Emitter receives normalized BalanceUpdates for one client, in order.
type Emitter func(domain.BalanceUpdate)

// Subscription is a running per-client feed; Close cancels it and waits
// for its goroutine to exit.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Close cancels the feed and blocks until its goroutine has exited.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Multiplexer runs exactly one feed mode per client per the §9 redesign
// flag collapsing the teacher's stream/poll coexistence into a single
// active mode.
type Multiplexer struct {
	cfg Config
}

// New builds a Multiplexer.
func New(cfg Config) *Multiplexer {
	return &Multiplexer{cfg: cfg}
}

// Start begins a client's feed. preferStream requests streaming mode;
// if the adapter has no streaming capability, or the stream later goes
// stale beyond StaleThreshold, the feed falls back to polling for the
// remainder of this Subscription's lifetime.
func (m *Multiplexer) Start(ctx context.Context, client domain.Client, creds common.Credentials, adapter common.Adapter, preferStream bool, emit Emitter) *Subscription {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		state := &coalesceState{}
		if preferStream && m.runStream(runCtx, client, creds, adapter, emit, state) {
			return
		}
		m.runPoll(runCtx, client, creds, adapter, emit, state)
	}()

	return &Subscription{cancel: cancel, done: done}
}

// runStream drives the streaming mode, reconnecting with capped
// exponential backoff on disconnect. It returns true when the caller
// should NOT fall back to polling (because the context was cancelled),
// and false when streaming is unavailable or went stale, meaning the
// caller should switch to polling.
func (m *Multiplexer) runStream(ctx context.Context, client domain.Client, creds common.Credentials, adapter common.Adapter, emit Emitter, state *coalesceState) bool {
	backoff := m.cfg.ReconnectBaseDelay

	for {
		select {
		case <-ctx.Done():
			return true
		default:
		}

		events := make(chan streamEvent, 8)
		sub, ok := adapter.StreamAccount(ctx, creds, &chanSink{ch: events})
		if !ok {
			return false
		}

		fellStale, cancelled := m.drainStream(ctx, client, emit, state, events, sub)
		if cancelled {
			return true
		}
		if fellStale {
			return false
		}

		select {
		case <-ctx.Done():
			return true
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > m.cfg.ReconnectMaxDelay {
			backoff = m.cfg.ReconnectMaxDelay
		}
	}
}

// drainStream reads one connection's events until disconnect, context
// cancellation, or a staleness timeout. Returns (fellStale, cancelled).
func (m *Multiplexer) drainStream(ctx context.Context, client domain.Client, emit Emitter, state *coalesceState, events <-chan streamEvent, sub common.Subscription) (bool, bool) {
	staleTimer := time.NewTimer(m.cfg.StaleThreshold)
	defer staleTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			sub.Close()
			return false, true
		case <-staleTimer.C:
			log.Printf("feed: %s stream stale beyond %v, falling back to polling", client.ClientID, m.cfg.StaleThreshold)
			sub.Close()
			return true, false
		case ev, open := <-events:
			if !open {
				return false, false
			}
			if ev.disconnected != nil {
				log.Printf("feed: %s stream disconnected: %v", client.ClientID, ev.disconnected)
				return false, false
			}
			if !staleTimer.Stop() {
				select {
				case <-staleTimer.C:
				default:
				}
			}
			staleTimer.Reset(m.cfg.StaleThreshold)
			emitCoalesced(state, client, domain.SourceStream, ev.balance, emit)
		}
	}
}

// runPoll drives polling mode: a fixed-interval tick issues GetBalance
// and emits only on a change from the previous observed balance.
func (m *Multiplexer) runPoll(ctx context.Context, client domain.Client, creds common.Credentials, adapter common.Adapter, emit Emitter, state *coalesceState) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			balance, err := adapter.GetBalance(ctx, creds)
			if err != nil {
				log.Printf("feed: %s poll GetBalance failed: %v", client.ClientID, err)
				continue
			}
			emitCoalesced(state, client, domain.SourcePoll, balance.Total, emit)
		}
	}
}

type streamEvent struct {
	balance      float64
	disconnected error
}

type chanSink struct {
	ch   chan streamEvent
	once sync.Once
}

func (s *chanSink) OnBalance(total, available float64) {
	s.ch <- streamEvent{balance: total}
}

func (s *chanSink) Disconnected(err error) {
	s.once.Do(func() {
		s.ch <- streamEvent{disconnected: err}
		close(s.ch)
	})
}

// coalesceState tracks the last emitted balance for one client's feed so
// consecutive equal balances from the same running feed are suppressed
// (spec §4.2 duplicate suppression).
type coalesceState struct {
	mu          sync.Mutex
	hasPrev     bool
	prevBalance float64
}

func emitCoalesced(state *coalesceState, client domain.Client, source domain.BalanceSource, newBalance float64, emit Emitter) {
	state.mu.Lock()
	if state.hasPrev && domain.MoneyEqual(state.prevBalance, newBalance) {
		state.mu.Unlock()
		return
	}
	previous := newBalance
	if state.hasPrev {
		previous = state.prevBalance
	}
	state.prevBalance = newBalance
	state.hasPrev = true
	state.mu.Unlock()

	emit(domain.BalanceUpdate{
		EventBase: domain.EventBase{
			EventID:   uuid.NewString(),
			ClientID:  client.ClientID,
			Venue:     client.Venue,
			Timestamp: time.Now().UTC(),
		},
		NewBalance:      newBalance,
		PreviousBalance: previous,
		Source:          source,
	})
}
