// Package sessions maintains the pool of warm logged-in portal sessions.
// Sessions are expensive to spawn, so the pool reuses idle ones, rebinds
// them onto other accounts when the login does not match, and prewarms a
// configurable floor at startup.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scoutflow/scoutflow/internal/accounts"
	"github.com/scoutflow/scoutflow/internal/common/config"
	"github.com/scoutflow/scoutflow/internal/common/logger"
	"github.com/scoutflow/scoutflow/internal/events"
	"github.com/scoutflow/scoutflow/internal/events/bus"
	"github.com/scoutflow/scoutflow/internal/worker"
)

const (
	// acquireRetryInterval is how long Acquire waits before rescanning a
	// saturated pool.
	acquireRetryInterval = time.Second

	// homeTimeout bounds the release navigation. A session that cannot make
	// it home in time is returned anyway and probed on next acquire.
	homeTimeout = 5 * time.Second

	closeTimeout = 5 * time.Second
)

// ErrPoolClosed is returned by Acquire after Shutdown.
var ErrPoolClosed = errors.New("session pool closed")

// slot tracks one pooled session.
type slot struct {
	session    worker.Session
	inUse      bool
	createdAt  time.Time
	lastUsedAt time.Time
}

// Pool owns every live session in the process. Capacity is bounded by
// pool_max = max(configured, pool_min, enabled accounts).
type Pool struct {
	runtime  worker.Runtime
	accounts *accounts.Pool
	bus      bus.EventBus
	logger   *logger.Logger

	min int
	max int

	mu    sync.Mutex
	slots []*slot
	// pending maps region to account names reserved for in-flight spawns,
	// so two spawns never claim the same credential.
	pending map[string]map[string]struct{}
	closed  bool

	prewarmCancel context.CancelFunc
	prewarmGroup  *errgroup.Group
}

// NewPool creates the session pool. The runtime performs the actual logins;
// the accounts pool supplies credentials.
func NewPool(runtime worker.Runtime, accts *accounts.Pool, cfg config.SessionsConfig, eventBus bus.EventBus, log *logger.Logger) *Pool {
	min := cfg.PoolMin
	if min < 0 {
		min = 0
	}
	max := cfg.PoolMax
	if max < min {
		max = min
	}
	if n := accts.EnabledCount(); max < n {
		max = n
	}
	return &Pool{
		runtime:  runtime,
		accounts: accts,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "session-pool")),
		min:      min,
		max:      max,
		pending:  make(map[string]map[string]struct{}),
	}
}

// Start prewarms pool_min sessions in the background. Each prewarm reserves
// its own credential so concurrent spawns never share a login.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.closed || p.min <= 0 {
		p.mu.Unlock()
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	p.prewarmCancel = cancel
	g, gctx := errgroup.WithContext(pctx)
	p.prewarmGroup = g
	p.mu.Unlock()

	p.logger.Info("prewarming sessions", zap.Int("count", p.min))
	for i := 0; i < p.min; i++ {
		g.Go(func() error {
			p.prewarmOne(gctx)
			return nil
		})
	}
}

func (p *Pool) prewarmOne(ctx context.Context) {
	p.mu.Lock()
	if p.closed || len(p.slots)+p.reservedLocked() >= p.max {
		p.mu.Unlock()
		return
	}
	account := p.reserveLocked(nil, "")
	p.mu.Unlock()
	if account == nil {
		p.logger.Debug("prewarm skipped, no unused account")
		return
	}

	sess, err := p.runtime.Spawn(ctx, account)

	p.mu.Lock()
	p.unreserveLocked(account)
	if err != nil {
		p.mu.Unlock()
		p.logger.Warn("prewarm spawn failed",
			zap.String("account", account.Name),
			zap.Error(err))
		return
	}
	if p.closed {
		p.mu.Unlock()
		p.closeSession(sess, "pool closed")
		return
	}
	now := time.Now()
	p.slots = append(p.slots, &slot{session: sess, createdAt: now, lastUsedAt: now})
	p.mu.Unlock()

	p.publish(events.SessionSpawned, map[string]interface{}{
		"session_id": sess.ID(),
		"account":    account.Name,
		"region":     account.Region,
		"prewarm":    true,
	})
	p.logger.Info("session prewarmed",
		zap.String("session_id", sess.ID()),
		zap.String("account", account.Name))
}

// Acquire returns a live session for the region, preferring the named
// account when given. It blocks until a slot frees up, the context ends, or
// the pool shuts down.
func (p *Pool) Acquire(ctx context.Context, region, accountName string) (worker.Session, error) {
	region = accounts.NormalizeRegion(region)
	for {
		sess, err := p.tryAcquire(ctx, region, accountName)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			return sess, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquireRetryInterval):
		}
	}
}

// tryAcquire makes one pass over the pool. A nil, nil return means the pool
// is at capacity with nothing idle and the caller should wait and retry.
func (p *Pool) tryAcquire(ctx context.Context, region, accountName string) (worker.Session, error) {
	desired := p.accounts.Resolve(region, accountName)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	// Idle slot already logged in as the desired account. Without a
	// resolvable credential any alive idle slot will do.
	if sess := p.claimIdleLocked(ctx, desired); sess != nil {
		p.mu.Unlock()
		return sess, nil
	}

	// Rebind an idle slot onto the desired credential.
	if desired != nil {
		if sess := p.rebindIdleLocked(ctx, desired); sess != nil {
			p.mu.Unlock()
			return sess, nil
		}
	}

	// Spawn when below capacity. Reservations in flight count against it.
	if len(p.slots)+p.reservedLocked() < p.max {
		if account := p.reserveLocked(desired, region); account != nil {
			p.mu.Unlock()
			return p.spawn(ctx, account)
		}
	}

	p.mu.Unlock()
	return nil, nil
}

// claimIdleLocked claims an idle slot bound to the desired account, or any
// alive idle slot when desired is nil. Dead slots found on the way are
// removed.
func (p *Pool) claimIdleLocked(ctx context.Context, desired *accounts.Account) worker.Session {
	for i := 0; i < len(p.slots); {
		sl := p.slots[i]
		if sl.inUse {
			i++
			continue
		}
		if desired != nil {
			bound := sl.session.Account()
			if bound == nil || bound.Name != desired.Name {
				i++
				continue
			}
		}
		if err := sl.session.Probe(ctx); err != nil {
			if worker.IsDriverClosed(err) {
				p.removeSlotLocked(i, "failed health probe")
				continue
			}
			p.logger.Debug("session probe failed",
				zap.String("session_id", sl.session.ID()),
				zap.Error(err))
			i++
			continue
		}
		sl.inUse = true
		sl.lastUsedAt = time.Now()
		return sl.session
	}
	return nil
}

// rebindIdleLocked reauthenticates an idle slot onto the desired account.
// Slots that fail the rebind are closed and removed.
func (p *Pool) rebindIdleLocked(ctx context.Context, desired *accounts.Account) worker.Session {
	for i := 0; i < len(p.slots); {
		sl := p.slots[i]
		if sl.inUse {
			i++
			continue
		}
		if err := sl.session.Reinitialize(ctx, desired); err != nil {
			p.logger.Warn("session rebind failed",
				zap.String("session_id", sl.session.ID()),
				zap.String("account", desired.Name),
				zap.Error(err))
			p.removeSlotLocked(i, "failed rebind")
			continue
		}
		sl.inUse = true
		sl.lastUsedAt = time.Now()
		p.logger.Info("session rebound",
			zap.String("session_id", sl.session.ID()),
			zap.String("account", desired.Name))
		return sl.session
	}
	return nil
}

// spawn logs a new session in outside the pool lock. The account must have
// been reserved by the caller.
func (p *Pool) spawn(ctx context.Context, account *accounts.Account) (worker.Session, error) {
	sess, err := p.runtime.Spawn(ctx, account)

	p.mu.Lock()
	p.unreserveLocked(account)
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("failed to spawn session for account %s: %w", account.Name, err)
	}
	if p.closed {
		p.mu.Unlock()
		p.closeSession(sess, "pool closed")
		return nil, ErrPoolClosed
	}
	now := time.Now()
	p.slots = append(p.slots, &slot{session: sess, inUse: true, createdAt: now, lastUsedAt: now})
	p.mu.Unlock()

	p.publish(events.SessionSpawned, map[string]interface{}{
		"session_id": sess.ID(),
		"account":    account.Name,
		"region":     account.Region,
	})
	p.logger.Info("session spawned",
		zap.String("session_id", sess.ID()),
		zap.String("account", account.Name))
	return sess, nil
}

// Release parks the session on the home page and marks its slot idle. A
// session whose browser is gone is closed and removed instead.
func (p *Pool) Release(sess worker.Session) {
	if sess == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), homeTimeout)
	homeErr := sess.GoHome(ctx)
	cancel()

	p.mu.Lock()
	for i, sl := range p.slots {
		if sl.session != sess {
			continue
		}
		if homeErr != nil && worker.IsDriverClosed(homeErr) {
			p.removeSlotLocked(i, "disconnected on release")
			p.mu.Unlock()
			return
		}
		if homeErr != nil {
			// Timed out or a soft navigation error. Return the slot anyway;
			// liveness is probed on the next acquire.
			p.logger.Debug("home navigation failed",
				zap.String("session_id", sess.ID()),
				zap.Error(homeErr))
		}
		sl.inUse = false
		sl.lastUsedAt = time.Now()
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	// Not a pool slot anymore (removed or shut down while borrowed).
	p.logger.Debug("released session is not pooled", zap.String("session_id", sess.ID()))
	p.closeSession(sess, "released after removal")
}

// Shutdown cancels prewarm and closes every session. Acquire fails with
// ErrPoolClosed afterwards.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	cancel := p.prewarmCancel
	group := p.prewarmGroup
	slots := p.slots
	p.slots = nil
	p.pending = make(map[string]map[string]struct{})
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if group != nil {
		_ = group.Wait()
	}

	for _, sl := range slots {
		p.closeSession(sl.session, "shutdown")
	}
	p.logger.Info("session pool shut down", zap.Int("sessions_closed", len(slots)))
}

// SessionStatus describes one pool slot for admin views.
type SessionStatus struct {
	ID          string    `json:"id"`
	AccountName string    `json:"account_name"`
	Region      string    `json:"region"`
	InUse       bool      `json:"in_use"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

// Status returns a snapshot of every slot.
func (p *Pool) Status() []SessionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]SessionStatus, 0, len(p.slots))
	for _, sl := range p.slots {
		st := SessionStatus{
			ID:         sl.session.ID(),
			InUse:      sl.inUse,
			CreatedAt:  sl.createdAt,
			LastUsedAt: sl.lastUsedAt,
		}
		if a := sl.session.Account(); a != nil {
			st.AccountName = a.Name
			st.Region = a.Region
		}
		statuses = append(statuses, st)
	}
	return statuses
}

// removeSlotLocked drops the slot at index i and closes its session on a
// background goroutine so the pool lock is never held across the close.
func (p *Pool) removeSlotLocked(i int, reason string) {
	sess := p.slots[i].session
	p.slots = append(p.slots[:i], p.slots[i+1:]...)
	go p.closeSession(sess, reason)
}

func (p *Pool) closeSession(sess worker.Session, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := sess.Close(ctx); err != nil {
		p.logger.Debug("session close failed",
			zap.String("session_id", sess.ID()),
			zap.Error(err))
	}
	p.publish(events.SessionClosed, map[string]interface{}{
		"session_id": sess.ID(),
		"reason":     reason,
	})
	p.logger.Info("session closed",
		zap.String("session_id", sess.ID()),
		zap.String("reason", reason))
}

// usedLocked reports whether the account already backs a live slot or a
// reservation in flight.
func (p *Pool) usedLocked(name string) bool {
	for _, sl := range p.slots {
		if a := sl.session.Account(); a != nil && a.Name == name {
			return true
		}
	}
	for _, names := range p.pending {
		if _, ok := names[name]; ok {
			return true
		}
	}
	return false
}

// reserveLocked picks an account for a spawn and records the reservation.
// Preference order: the desired account when unused, an unused account in
// the region, any unused enabled account, then the desired account even if
// another session already holds that login.
func (p *Pool) reserveLocked(desired *accounts.Account, region string) *accounts.Account {
	if desired != nil && !p.usedLocked(desired.Name) {
		p.holdPendingLocked(desired)
		return desired
	}
	if region != "" {
		for _, a := range p.accounts.Enabled() {
			if a.Region != region || p.usedLocked(a.Name) {
				continue
			}
			p.holdPendingLocked(a)
			return a
		}
	}
	for _, a := range p.accounts.Enabled() {
		if p.usedLocked(a.Name) {
			continue
		}
		p.holdPendingLocked(a)
		return a
	}
	if desired != nil {
		// Every account is taken. Spawning a second session on the desired
		// login keeps contended tasks moving.
		p.holdPendingLocked(desired)
		return desired
	}
	return nil
}

func (p *Pool) holdPendingLocked(account *accounts.Account) {
	names, ok := p.pending[account.Region]
	if !ok {
		names = make(map[string]struct{})
		p.pending[account.Region] = names
	}
	names[account.Name] = struct{}{}
}

func (p *Pool) unreserveLocked(account *accounts.Account) {
	if names, ok := p.pending[account.Region]; ok {
		delete(names, account.Name)
		if len(names) == 0 {
			delete(p.pending, account.Region)
		}
	}
}

func (p *Pool) reservedLocked() int {
	total := 0
	for _, names := range p.pending {
		total += len(names)
	}
	return total
}

func (p *Pool) publish(eventType string, data map[string]interface{}) {
	if p.bus == nil {
		return
	}
	evt := bus.NewEvent(eventType, "session-pool", data)
	if err := p.bus.Publish(context.Background(), eventType, evt); err != nil {
		p.logger.Debug("failed to publish session event",
			zap.String("type", eventType),
			zap.Error(err))
	}
}
