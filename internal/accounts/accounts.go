// Package accounts manages the portal credential registry and its
// shared-tenant accounting.
package accounts

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoAccountAvailable is returned when no enabled account can serve a request.
var ErrNoAccountAvailable = errors.New("no account available")

// Account is a portal credential.
type Account struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	LoginEmail    string `json:"login_email"`
	LoginPassword string `json:"-"`
	Region        string `json:"region"`
	Enabled       bool   `json:"enabled"`

	// Extras carries auxiliary registry fields (mailbox credentials and the
	// like) opaquely through to the driver.
	Extras map[string]interface{} `json:"-"`
}

type registryFile struct {
	Accounts []registryAccount `yaml:"accounts"`
}

type registryAccount struct {
	Name          string                 `yaml:"name"`
	LoginEmail    string                 `yaml:"login_email"`
	LoginPassword string                 `yaml:"login_password"`
	Region        string                 `yaml:"region"`
	Enabled       *bool                  `yaml:"enabled"`
	Extras        map[string]interface{} `yaml:",inline"`
}

// LoadRegistry reads the account registry from a YAML file.
func LoadRegistry(path string) ([]*Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file %s: %w", path, err)
	}
	accounts, err := ParseRegistry(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse accounts file %s: %w", path, err)
	}
	return accounts, nil
}

// ParseRegistry parses registry YAML. Accounts are enabled unless the file
// says otherwise; regions are normalized upper-case. The id of each account
// is its position in the file.
func ParseRegistry(data []byte) ([]*Account, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(file.Accounts))
	accounts := make([]*Account, 0, len(file.Accounts))
	for i, raw := range file.Accounts {
		if raw.Name == "" {
			return nil, fmt.Errorf("account %d: name is required", i)
		}
		if raw.LoginEmail == "" {
			return nil, fmt.Errorf("account %q: login_email is required", raw.Name)
		}
		if seen[raw.Name] {
			return nil, fmt.Errorf("account %q: duplicate name", raw.Name)
		}
		seen[raw.Name] = true

		enabled := true
		if raw.Enabled != nil {
			enabled = *raw.Enabled
		}
		accounts = append(accounts, &Account{
			ID:            i,
			Name:          raw.Name,
			LoginEmail:    raw.LoginEmail,
			LoginPassword: raw.LoginPassword,
			Region:        NormalizeRegion(raw.Region),
			Enabled:       enabled,
			Extras:        raw.Extras,
		})
	}
	return accounts, nil
}

// NormalizeRegion maps a caller-supplied region tag to its canonical form.
func NormalizeRegion(region string) string {
	return strings.ToUpper(strings.TrimSpace(region))
}
