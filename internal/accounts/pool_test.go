package accounts

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/scoutflow/scoutflow/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

func testAccounts() []*Account {
	return []*Account{
		{ID: 0, Name: "us-1", LoginEmail: "us1@scout.test", Region: "US", Enabled: true},
		{ID: 1, Name: "us-2", LoginEmail: "us2@scout.test", Region: "US", Enabled: true},
		{ID: 2, Name: "uk-1", LoginEmail: "uk1@scout.test", Region: "UK", Enabled: true},
		{ID: 3, Name: "us-off", LoginEmail: "usoff@scout.test", Region: "US", Enabled: false},
	}
}

func TestLoadRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	data := `accounts:
  - name: us-1
    login_email: us1@scout.test
    login_password: secret
    region: us
    imap_host: imap.scout.test
    imap_password: mailsecret
  - name: uk-1
    login_email: uk1@scout.test
    region: uk
    enabled: false
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("failed to write registry: %v", err)
	}

	accounts, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("failed to load registry: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(accounts))
	}

	first := accounts[0]
	if first.ID != 0 || first.Name != "us-1" || first.LoginPassword != "secret" {
		t.Errorf("unexpected first account: %+v", first)
	}
	if first.Region != "US" {
		t.Errorf("expected region normalized to US, got %q", first.Region)
	}
	if !first.Enabled {
		t.Error("expected enabled to default to true")
	}
	if first.Extras["imap_host"] != "imap.scout.test" {
		t.Errorf("expected mailbox extras to be preserved, got %v", first.Extras)
	}

	second := accounts[1]
	if second.Enabled {
		t.Error("expected explicit enabled: false to stick")
	}
}

func TestLoadRegistryMissingFile(t *testing.T) {
	_, err := LoadRegistry(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseRegistryValidation(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{
			name: "missing name",
			data: "accounts:\n  - login_email: a@scout.test\n",
		},
		{
			name: "missing login email",
			data: "accounts:\n  - name: us-1\n",
		},
		{
			name: "duplicate name",
			data: "accounts:\n  - name: us-1\n    login_email: a@scout.test\n  - name: us-1\n    login_email: b@scout.test\n",
		},
		{
			name: "not yaml",
			data: "{{nope",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseRegistry([]byte(tt.data)); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestAcquireByRegionPrefersFree(t *testing.T) {
	pool := NewPool(testAccounts(), newTestLogger())

	first, err := pool.AcquireByRegion("00001", "us")
	if err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}
	if first.Name != "us-1" {
		t.Errorf("expected us-1, got %s", first.Name)
	}

	// The second task gets the remaining free US account, not a share.
	second, err := pool.AcquireByRegion("00002", "US")
	if err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}
	if second.Name != "us-2" {
		t.Errorf("expected us-2, got %s", second.Name)
	}
}

func TestAcquireByRegionSharesUnderContention(t *testing.T) {
	pool := NewPool([]*Account{
		{ID: 0, Name: "fr-1", LoginEmail: "fr1@scout.test", Region: "FR", Enabled: true},
	}, newTestLogger())

	for _, taskID := range []string{"00001", "00002", "00003"} {
		account, err := pool.AcquireByRegion(taskID, "FR")
		if err != nil {
			t.Fatalf("task %s failed to acquire: %v", taskID, err)
		}
		if account.Name != "fr-1" {
			t.Errorf("task %s: expected fr-1, got %s", taskID, account.Name)
		}
	}

	status := pool.Status()
	if len(status) != 1 {
		t.Fatalf("expected 1 account in status, got %d", len(status))
	}
	if len(status[0].Holders) != 3 {
		t.Errorf("expected 3 holders, got %v", status[0].Holders)
	}
	if status[0].Free {
		t.Error("expected held account not to be free")
	}
}

func TestAcquireByRegionBalancesShares(t *testing.T) {
	pool := NewPool([]*Account{
		{ID: 0, Name: "us-1", LoginEmail: "us1@scout.test", Region: "US", Enabled: true},
		{ID: 1, Name: "us-2", LoginEmail: "us2@scout.test", Region: "US", Enabled: true},
	}, newTestLogger())

	names := make(map[string]int)
	for _, taskID := range []string{"00001", "00002", "00003", "00004"} {
		account, err := pool.AcquireByRegion(taskID, "US")
		if err != nil {
			t.Fatalf("task %s failed to acquire: %v", taskID, err)
		}
		names[account.Name]++
	}
	if names["us-1"] != 2 || names["us-2"] != 2 {
		t.Errorf("expected even sharing, got %v", names)
	}
}

func TestAcquireByRegionNoMatch(t *testing.T) {
	pool := NewPool(testAccounts(), newTestLogger())

	_, err := pool.AcquireByRegion("00001", "JP")
	if !errors.Is(err, ErrNoAccountAvailable) {
		t.Errorf("expected ErrNoAccountAvailable, got %v", err)
	}

	// Disabled accounts never serve, even when the region matches.
	solo := NewPool([]*Account{
		{ID: 0, Name: "us-off", LoginEmail: "off@scout.test", Region: "US", Enabled: false},
	}, newTestLogger())
	_, err = solo.AcquireByRegion("00001", "US")
	if !errors.Is(err, ErrNoAccountAvailable) {
		t.Errorf("expected ErrNoAccountAvailable, got %v", err)
	}
}

func TestAcquireAny(t *testing.T) {
	pool := NewPool(testAccounts(), newTestLogger())

	account, err := pool.Acquire("00001")
	if err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}
	if account.Name != "us-1" {
		t.Errorf("expected first free account, got %s", account.Name)
	}

	empty := NewPool(nil, newTestLogger())
	if _, err := empty.Acquire("00001"); !errors.Is(err, ErrNoAccountAvailable) {
		t.Errorf("expected ErrNoAccountAvailable, got %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	pool := NewPool(testAccounts(), newTestLogger())

	account, err := pool.AcquireByRegion("00001", "US")
	if err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}

	pool.Release(account.Name, "00001")
	if !pool.Status()[0].Free {
		t.Error("expected account to be free after release")
	}

	// Double release and foreign release are warnings, not errors.
	pool.Release(account.Name, "00001")
	pool.Release(account.Name, "99999")
	pool.Release("no-such-account", "00001")
}

func TestReleaseKeepsOtherHolders(t *testing.T) {
	pool := NewPool([]*Account{
		{ID: 0, Name: "fr-1", LoginEmail: "fr1@scout.test", Region: "FR", Enabled: true},
	}, newTestLogger())

	if _, err := pool.AcquireByRegion("00001", "FR"); err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}
	if _, err := pool.AcquireByRegion("00002", "FR"); err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}

	pool.Release("fr-1", "00001")

	status := pool.Status()
	if len(status[0].Holders) != 1 || status[0].Holders[0] != "00002" {
		t.Errorf("expected 00002 to keep holding, got %v", status[0].Holders)
	}
}

func TestResolve(t *testing.T) {
	pool := NewPool(testAccounts(), newTestLogger())

	if got := pool.Resolve("UK", ""); got == nil || got.Name != "uk-1" {
		t.Errorf("expected uk-1 by region, got %v", got)
	}
	if got := pool.Resolve("US", "us-2"); got == nil || got.Name != "us-2" {
		t.Errorf("expected us-2 by name, got %v", got)
	}
	// A missing name falls back to the region match.
	if got := pool.Resolve("us", "missing"); got == nil || got.Name != "us-1" {
		t.Errorf("expected region fallback to us-1, got %v", got)
	}
	if got := pool.Resolve("JP", ""); got != nil {
		t.Errorf("expected nil for unknown region, got %v", got)
	}
}

func TestEnabledCount(t *testing.T) {
	pool := NewPool(testAccounts(), newTestLogger())
	if got := pool.EnabledCount(); got != 3 {
		t.Errorf("expected 3 enabled accounts, got %d", got)
	}
}
