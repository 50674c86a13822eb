// Package mock provides in-memory implementations of the worker contract.
// It backs the `driver: mock` configuration for browserless runs and gives
// tests scriptable sessions and batches.
package mock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/scoutflow/scoutflow/internal/accounts"
	"github.com/scoutflow/scoutflow/internal/worker"
)

var (
	_ worker.Runtime = (*Runtime)(nil)
	_ worker.Session = (*Session)(nil)
	_ worker.Factory = (*Factory)(nil)
	_ worker.Driver  = (*Driver)(nil)
)

// Runtime fabricates in-memory sessions so the engine can run without a real
// browser. The zero value is ready to use.
type Runtime struct {
	// SpawnFunc, when set, replaces the default session fabrication.
	SpawnFunc func(ctx context.Context, account *accounts.Account) (worker.Session, error)

	// SpawnDelay simulates login time. Spawn aborts early if ctx is done.
	SpawnDelay time.Duration

	mu      sync.Mutex
	spawned int
	closed  bool
}

// Spawn returns a fresh logged-in session for the account.
func (r *Runtime) Spawn(ctx context.Context, account *accounts.Account) (worker.Session, error) {
	if r.SpawnFunc != nil {
		return r.SpawnFunc(ctx, account)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("spawn: runtime closed")
	}
	r.spawned++
	n := r.spawned
	r.mu.Unlock()

	if r.SpawnDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.SpawnDelay):
		}
	}
	return NewSession(fmt.Sprintf("session_%03d", n), account), nil
}

// Close shuts the runtime down. Existing sessions keep working; they are
// in-memory and owned by the session pool.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Spawned returns how many sessions the default fabrication produced.
func (r *Runtime) Spawned() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spawned
}

// Session is an in-memory stand-in for a live portal session. Tests can
// override individual calls through the func fields; unset fields fall back
// to bookkeeping defaults.
type Session struct {
	ProbeFunc  func(ctx context.Context) error
	ReinitFunc func(ctx context.Context, account *accounts.Account) error
	HomeFunc   func(ctx context.Context) error

	id string

	mu      sync.Mutex
	account *accounts.Account
	closed  bool
	probes  int
	homes   int
	reinits int
}

// NewSession returns a live mock session bound to the account.
func NewSession(id string, account *accounts.Account) *Session {
	return &Session{id: id, account: account}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Account() *accounts.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account
}

func (s *Session) Probe(ctx context.Context) error {
	if s.ProbeFunc != nil {
		return s.ProbeFunc(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes++
	if s.closed {
		return fmt.Errorf("session %s: %w", s.id, worker.ErrDriverClosed)
	}
	return nil
}

func (s *Session) Reinitialize(ctx context.Context, account *accounts.Account) error {
	if s.ReinitFunc != nil {
		return s.ReinitFunc(ctx, account)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reinits++
	if s.closed {
		return fmt.Errorf("session %s: %w", s.id, worker.ErrDriverClosed)
	}
	s.account = account
	return nil
}

func (s *Session) GoHome(ctx context.Context) error {
	if s.HomeFunc != nil {
		return s.HomeFunc(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.homes++
	if s.closed {
		return fmt.Errorf("session %s: %w", s.id, worker.ErrDriverClosed)
	}
	return nil
}

func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Probes returns how many health probes the session has served.
func (s *Session) Probes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probes
}

// GoHomes returns how many times the session was parked on the home page.
func (s *Session) GoHomes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.homes
}

// Factory builds mock drivers. The zero value generates steady successful
// batches that hit their target; tests script exact behaviour via RunFunc.
type Factory struct {
	// RunFunc, when set, fully replaces the generated behaviour.
	RunFunc func(ctx context.Context, req *worker.BatchRequest) (*worker.BatchResult, error)

	// NewPerBatch caps how many creators one generated batch yields,
	// simulating a thinning search space. Zero means yield the full target.
	NewPerBatch int

	// StepDelay is the simulated per-creator work time. Zero runs the batch
	// instantly; cancellation is still checked between creators.
	StepDelay time.Duration

	mu       sync.Mutex
	batches  int
	creators int
}

// New returns a single-use driver for the next batch.
func (f *Factory) New(ctx context.Context) (worker.Driver, error) {
	f.mu.Lock()
	f.batches++
	n := f.batches
	f.mu.Unlock()
	return &Driver{factory: f, batch: n}, nil
}

// Batches returns how many driver instances the factory has handed out.
func (f *Factory) Batches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches
}

func (f *Factory) nextCreatorID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creators++
	return fmt.Sprintf("creator_%05d", f.creators)
}

// Driver generates one scripted batch.
type Driver struct {
	factory *Factory
	batch   int
}

// Run produces the batch result. Generated batches discover globally unique
// creators, record them in the shared seen set, emit progress per creator and
// write one CSV per batch into the task directory.
func (d *Driver) Run(ctx context.Context, req *worker.BatchRequest) (*worker.BatchResult, error) {
	if d.factory.RunFunc != nil {
		return d.factory.RunFunc(ctx, req)
	}

	target := req.BatchTarget
	if d.factory.NewPerBatch > 0 && d.factory.NewPerBatch < target {
		target = d.factory.NewPerBatch
	}

	res := &worker.BatchResult{Success: true}
	var ids []string
	defer func() {
		if len(ids) == 0 {
			return
		}
		path := filepath.Join(req.TaskDir, fmt.Sprintf("batch_%03d.csv", d.batch))
		res.OutputFiles = []string{path}
		if req.TaskDir != "" {
			_ = os.WriteFile(path, []byte("creator_id\n"+strings.Join(ids, "\n")+"\n"), 0o644)
		}
	}()

	for i := 0; i < target; i++ {
		if d.factory.StepDelay > 0 {
			select {
			case <-ctx.Done():
				res.Cancelled = true
				res.Message = "cancelled"
				return res, nil
			case <-req.Cancel:
				res.Cancelled = true
				res.Message = "cancelled"
				return res, nil
			case <-time.After(d.factory.StepDelay):
			}
		} else {
			select {
			case <-req.Cancel:
				res.Cancelled = true
				res.Message = "cancelled"
				return res, nil
			default:
			}
		}

		id := d.factory.nextCreatorID()
		if req.Seen != nil && !req.Seen.Add(id) {
			continue
		}
		ids = append(ids, id)
		res.NewCreators++
		res.TotalScanned += 3
		res.LatestSubject = id
		if req.Progress != nil {
			req.Progress(worker.Progress{LatestSubject: id, NewCreators: res.NewCreators})
		}
	}

	res.Message = fmt.Sprintf("scouted %d new creators", res.NewCreators)
	return res, nil
}
