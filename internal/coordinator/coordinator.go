// Package coordinator implements the Coordinator (spec §4.8): owns each
// client's supervision tree, runs the per-client serialized event loop
// from BalanceUpdate through RiskEvaluator to ActionExecutor, and applies
// backpressure. Grounded on the teacher's internal/gateway.Manager
// (map+mutex registry over per-connection resources) and
// internal/order.Queue (bounded channel + drain loop), generalized from a
// single global queue to one bounded queue per client so that per-client
// serialization falls out of "one goroutine per client" rather than a
// hash-affinitized shared pool.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"risk-core/internal/action"
	"risk-core/internal/domain"
	"risk-core/internal/feed"
	"risk-core/internal/metrics"
	"risk-core/internal/notify"
	"risk-core/internal/risk"
	"risk-core/internal/riskerr"
	"risk-core/internal/store"
	"risk-core/internal/venue/common"
)

// VenueResolver maps a client's venue to its ExchangeAdapter.
type VenueResolver func(venue domain.Venue) (common.Adapter, bool)

// Config tunes queue depth, stop grace period, and feed mode preference.
type Config struct {
	QueueDepth      int
	StopGracePeriod time.Duration
	PreferStream    bool
}

// DefaultConfig matches the spec's defaults (queue depth 64, grace 30s).
func DefaultConfig() Config {
	return Config{QueueDepth: 64, StopGracePeriod: 30 * time.Second, PreferStream: true}
}

type clientWorker struct {
	cancel  context.CancelFunc
	queue   chan domain.BalanceUpdate
	feedSub *feed.Subscription
	done    chan struct{}

	mu                sync.Mutex
	lastQueuedBalance float64
	hasLastQueued     bool
}

// Coordinator owns the set of actively monitored clients.
type Coordinator struct {
	mu      sync.Mutex
	clients map[string]*clientWorker

	store    *store.Store
	bus      *notify.Bus
	mux      *feed.Multiplexer
	executor *action.Executor
	resolver *action.CredentialResolver
	venues   VenueResolver
	cfg      Config
	metrics  *metrics.Metrics
	nodeID   string
}

// SetMetrics attaches an optional metrics sink; nil (the default) disables
// instrumentation entirely.
func (c *Coordinator) SetMetrics(m *metrics.Metrics) { c.metrics = m }

// SetNodeID tags this Coordinator's worker-pool log lines with a stable
// per-machine identifier, so a deployment running more than one instance
// against the shared store can tell which instance owns a given
// clientWorker. Empty (the default) omits the tag entirely.
func (c *Coordinator) SetNodeID(nodeID string) { c.nodeID = nodeID }

// QueueDepths snapshots each monitored client's pending-event queue depth,
// for the supplemented /admin/queue/metrics endpoint.
func (c *Coordinator) QueueDepths() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	depths := make(map[string]int, len(c.clients))
	for id, w := range c.clients {
		depths[id] = len(w.queue)
	}
	return depths
}

// ActiveClients lists the clientIds currently monitored.
func (c *Coordinator) ActiveClients() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.clients))
	for id := range c.clients {
		ids = append(ids, id)
	}
	return ids
}

// New builds a Coordinator.
func New(st *store.Store, bus *notify.Bus, mux *feed.Multiplexer, executor *action.Executor, resolver *action.CredentialResolver, venues VenueResolver, cfg Config) *Coordinator {
	return &Coordinator{
		clients:  make(map[string]*clientWorker),
		store:    st,
		bus:      bus,
		mux:      mux,
		executor: executor,
		resolver: resolver,
		venues:   venues,
		cfg:      cfg,
	}
}

// StartMonitoring creates or resumes a client's AccountState, bumps its
// sessionEpoch, and starts its feed and event-loop worker.
func (c *Coordinator) StartMonitoring(ctx context.Context, client domain.Client) error {
	c.mu.Lock()
	if _, exists := c.clients[client.ClientID]; exists {
		c.mu.Unlock()
		return riskerr.New(riskerr.InvalidInput, "client already monitored")
	}
	c.mu.Unlock()

	adapter, ok := c.venues(client.Venue)
	if !ok {
		return riskerr.New(riskerr.InvalidInput, fmt.Sprintf("no adapter configured for venue %s", client.Venue))
	}

	state, err := c.store.Update(ctx, client.ClientID, startMutator(client))
	if err != nil {
		return err
	}
	c.executor.ClearEpochSlots(client.ClientID, state.SessionEpoch-1)

	creds, err := c.resolver.Resolve(ctx, client.ClientID)
	if err != nil {
		return err
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	worker := &clientWorker{
		cancel: cancel,
		queue:  make(chan domain.BalanceUpdate, c.cfg.QueueDepth),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	c.clients[client.ClientID] = worker
	c.mu.Unlock()

	worker.feedSub = c.mux.Start(workerCtx, client, creds, adapter, c.cfg.PreferStream, func(update domain.BalanceUpdate) {
		c.enqueue(worker, update)
	})

	log.Printf("coordinator[%s]: worker started for %s", c.instanceTag(), client.ClientID)
	go c.runWorker(workerCtx, worker, client, state.SessionEpoch)
	return nil
}

// instanceTag identifies this Coordinator's worker pool in log lines when
// more than one instance runs against the shared store. Falls back to
// "local" when no node id was set.
func (c *Coordinator) instanceTag() string {
	if c.nodeID == "" {
		return "local"
	}
	return c.nodeID
}

// StopMonitoring closes a client's subscriptions, marks it inactive, and
// waits for in-flight processing to finish (up to the grace period)
// before forcibly cancelling.
func (c *Coordinator) StopMonitoring(ctx context.Context, clientID string) error {
	c.mu.Lock()
	worker, exists := c.clients[clientID]
	if exists {
		delete(c.clients, clientID)
	}
	c.mu.Unlock()
	if !exists {
		return riskerr.New(riskerr.InvalidInput, "client not monitored")
	}

	if worker.feedSub != nil {
		worker.feedSub.Close()
	}
	close(worker.queue)

	if _, err := c.store.Update(ctx, clientID, func(current domain.AccountState, exists bool) (domain.AccountState, string, error) {
		if !exists {
			return domain.AccountState{}, "", riskerr.New(riskerr.StorePreconditionFailed, "no account state to stop")
		}
		next := current
		next.Active = false
		return next, "stop monitoring", nil
	}); err != nil {
		return err
	}

	select {
	case <-worker.done:
	case <-time.After(c.cfg.StopGracePeriod):
		log.Printf("coordinator: grace period exceeded stopping %s, forcing cancellation", clientID)
		worker.cancel()
		<-worker.done
	}
	return nil
}

// enqueue applies the backpressure policy: on a full queue, the incoming
// event is dropped only if it duplicates the balance already queued;
// a genuinely new balance is never silently dropped.
func (c *Coordinator) enqueue(worker *clientWorker, update domain.BalanceUpdate) {
	worker.mu.Lock()
	isDuplicate := worker.hasLastQueued && domain.MoneyEqual(worker.lastQueuedBalance, update.NewBalance)
	worker.lastQueuedBalance = update.NewBalance
	worker.hasLastQueued = true
	worker.mu.Unlock()

	select {
	case worker.queue <- update:
		return
	default:
	}

	if isDuplicate {
		log.Printf("coordinator: queue full for %s, dropping duplicate balance update", update.ClientID)
		return
	}

	select {
	case worker.queue <- update:
	case <-time.After(time.Second):
		log.Printf("coordinator: queue full for %s, still waiting to enqueue non-duplicate update after 1s", update.ClientID)
		worker.queue <- update
	}
}

func (c *Coordinator) runWorker(ctx context.Context, worker *clientWorker, client domain.Client, sessionEpoch int64) {
	defer close(worker.done)
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-worker.queue:
			if !ok {
				return
			}
			c.process(ctx, client, sessionEpoch, update)
		}
	}
}

// process is the per-update event loop step (spec §4.8): mutate state,
// evaluate risk, route to ActionExecutor on violation, else publish a
// lightweight BALANCE_UPDATE notification.
func (c *Coordinator) process(ctx context.Context, client domain.Client, sessionEpoch int64, update domain.BalanceUpdate) {
	if c.metrics != nil {
		timer := metrics.NewTimer(c.metrics.EventLoopLatency)
		defer timer.Stop()
		c.metrics.IncrementBalanceUpdates()
	}

	state, err := c.store.Update(ctx, client.ClientID, balanceMutator(update))
	if err != nil {
		log.Printf("coordinator: update state for %s failed: %v", client.ClientID, err)
		if c.metrics != nil {
			c.metrics.IncrementErrors()
		}
		return
	}

	eval := risk.Evaluate(state, client.DailyRisk, client.MaxRisk)
	violationType, violated := eval.Winner()
	if violated {
		if c.metrics != nil {
			c.metrics.IncrementViolations()
		}
		violation := domain.RiskViolation{
			EventBase:     domain.EventBase{ClientID: client.ClientID, Venue: client.Venue, Timestamp: time.Now().UTC()},
			ViolationType: violationType,
		}
		if violationType == domain.ViolationMaxRisk {
			violation.Loss, violation.Threshold = eval.CurrentLoss, eval.MaxThreshold
		} else {
			violation.Loss, violation.Threshold = eval.DailyLoss, eval.DailyThreshold
		}
		if _, err := c.executor.Run(ctx, client, sessionEpoch, violation); err != nil {
			log.Printf("coordinator: action executor run for %s failed: %v", client.ClientID, err)
		}
		return
	}

	if err := c.bus.Publish(ctx, domain.Notification{
		EventBase: domain.EventBase{ClientID: client.ClientID, Venue: client.Venue, Timestamp: time.Now().UTC()},
		Kind:      domain.KindBalanceUpdate,
		Priority:  domain.PriorityLow,
		Payload: map[string]any{
			"newBalance":      update.NewBalance,
			"previousBalance": update.PreviousBalance,
			"source":          update.Source,
		},
	}); err != nil {
		log.Printf("coordinator: publish balance update notification for %s failed: %v", client.ClientID, err)
	}
}

func startMutator(client domain.Client) store.Mutator {
	return func(current domain.AccountState, exists bool) (domain.AccountState, string, error) {
		now := time.Now().UTC()
		if !exists {
			return domain.AccountState{
				ClientID:          client.ClientID,
				Venue:             client.Venue,
				InitialBalance:    client.InitialBalance,
				DailyStartBalance: client.InitialBalance,
				CurrentBalance:    client.InitialBalance,
				Status:            domain.StatusNormal,
				Active:            true,
				SessionEpoch:      1,
				LastBalanceUpdate: now,
				LastRiskCheck:     now,
				DailyResetAt:      now,
			}, "start monitoring", nil
		}
		next := current
		next.Active = true
		next.SessionEpoch++
		return next, "restart monitoring", nil
	}
}

func balanceMutator(update domain.BalanceUpdate) store.Mutator {
	return func(current domain.AccountState, exists bool) (domain.AccountState, string, error) {
		if !exists {
			return domain.AccountState{}, "", riskerr.New(riskerr.StorePreconditionFailed, "balance update for unmonitored client")
		}
		next := current
		next.PreviousBalance = next.CurrentBalance
		next.CurrentBalance = update.NewBalance
		next.LastBalanceUpdate = update.Timestamp
		next.LastRiskCheck = time.Now().UTC()
		return next, "balance update", nil
	}
}
