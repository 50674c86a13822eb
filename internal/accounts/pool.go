package accounts

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/scoutflow/scoutflow/internal/common/logger"
)

// Pool owns the credential registry and tracks which tasks hold which
// account. Multiple tasks may share one account under contention; the pool
// itself enforces no exclusivity.
type Pool struct {
	accounts []*Account
	holders  map[string]map[string]struct{} // account name → task ids
	mu       sync.Mutex
	logger   *logger.Logger
}

// NewPool creates an account pool over a loaded registry.
func NewPool(accounts []*Account, log *logger.Logger) *Pool {
	return &Pool{
		accounts: accounts,
		holders:  make(map[string]map[string]struct{}),
		logger:   log.WithFields(zap.String("component", "account-pool")),
	}
}

// AcquireByRegion hands out an enabled account for a region. Free accounts
// win; under contention the least-shared matching account is handed out
// again.
func (p *Pool) AcquireByRegion(taskID, region string) (*Account, error) {
	want := NormalizeRegion(region)

	p.mu.Lock()
	defer p.mu.Unlock()

	account := p.pickLocked(taskID, func(a *Account) bool { return a.Region == want })
	if account == nil {
		return nil, fmt.Errorf("%w for region %s", ErrNoAccountAvailable, want)
	}
	return account, nil
}

// Acquire hands out any enabled account, free accounts first.
func (p *Pool) Acquire(taskID string) (*Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	account := p.pickLocked(taskID, func(*Account) bool { return true })
	if account == nil {
		return nil, ErrNoAccountAvailable
	}
	return account, nil
}

// pickLocked selects an enabled account passing match: the first free one,
// otherwise the least-shared one. The task is appended to the holder set on
// success.
func (p *Pool) pickLocked(taskID string, match func(*Account) bool) *Account {
	var shared *Account
	sharedHolders := -1
	for _, account := range p.accounts {
		if !account.Enabled || !match(account) {
			continue
		}
		n := len(p.holders[account.Name])
		if n == 0 {
			p.holdLocked(account, taskID)
			return account
		}
		if sharedHolders == -1 || n < sharedHolders {
			shared = account
			sharedHolders = n
		}
	}
	if shared != nil {
		p.holdLocked(shared, taskID)
	}
	return shared
}

func (p *Pool) holdLocked(account *Account, taskID string) {
	set, ok := p.holders[account.Name]
	if !ok {
		set = make(map[string]struct{})
		p.holders[account.Name] = set
	}
	set[taskID] = struct{}{}
	p.logger.Debug("account acquired",
		zap.String("account", account.Name),
		zap.String("task_id", taskID),
		zap.Int("holders", len(set)))
}

// Release drops a task's hold on an account. Releasing an account the task
// does not hold is a no-op with a warning.
func (p *Pool) Release(name, taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.holders[name]
	if !ok {
		p.logger.Warn("release of account with no holders",
			zap.String("account", name),
			zap.String("task_id", taskID))
		return
	}
	if _, held := set[taskID]; !held {
		p.logger.Warn("release of account not held by task",
			zap.String("account", name),
			zap.String("task_id", taskID))
		return
	}
	delete(set, taskID)
	if len(set) == 0 {
		delete(p.holders, name)
	}
	p.logger.Debug("account released",
		zap.String("account", name),
		zap.String("task_id", taskID),
		zap.Int("holders", len(set)))
}

// Resolve finds the credential a session should bind to without taking it.
// An explicit name wins; otherwise the first enabled region match.
func (p *Pool) Resolve(region, name string) *Account {
	want := NormalizeRegion(region)

	p.mu.Lock()
	defer p.mu.Unlock()

	if name != "" {
		for _, account := range p.accounts {
			if account.Enabled && account.Name == name {
				return account
			}
		}
	}
	for _, account := range p.accounts {
		if account.Enabled && account.Region == want {
			return account
		}
	}
	return nil
}

// Enabled returns the enabled accounts in registry order.
func (p *Pool) Enabled() []*Account {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result []*Account
	for _, account := range p.accounts {
		if account.Enabled {
			result = append(result, account)
		}
	}
	return result
}

// EnabledCount returns how many accounts are enabled.
func (p *Pool) EnabledCount() int {
	return len(p.Enabled())
}

// AccountStatus is the admin-view snapshot of one account.
type AccountStatus struct {
	ID         int      `json:"id"`
	Name       string   `json:"name"`
	LoginEmail string   `json:"login_email"`
	Region     string   `json:"region"`
	Enabled    bool     `json:"enabled"`
	Holders    []string `json:"holders"`
	Free       bool     `json:"free"`
}

// Status returns a snapshot of every account and its current holders.
func (p *Pool) Status() []AccountStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := make([]AccountStatus, 0, len(p.accounts))
	for _, account := range p.accounts {
		holders := make([]string, 0, len(p.holders[account.Name]))
		for taskID := range p.holders[account.Name] {
			holders = append(holders, taskID)
		}
		sort.Strings(holders)
		result = append(result, AccountStatus{
			ID:         account.ID,
			Name:       account.Name,
			LoginEmail: account.LoginEmail,
			Region:     account.Region,
			Enabled:    account.Enabled,
			Holders:    holders,
			Free:       account.Enabled && len(holders) == 0,
		})
	}
	return result
}
