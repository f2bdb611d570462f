// Package access implements the access-control delegate consulted for every
// data element of an inbound notification. The default delegate accepts
// everything; Manager enforces per-trait rules loaded from a JSON file, the
// same file-fed pattern the rest of the stack uses for configuration.
package access

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"github.com/dougsteed/wdmclient/traits"
)

// ErrDenied rejects a data element.
var ErrDenied = errors.New("access: data element denied")

// Delegate is consulted once per inbound data element, after the path is
// resolved against the catalog and before any sink is touched.
type Delegate interface {
	CheckAccess(path traits.TraitPath, catalog traits.Catalog) error
}

// AllowAll is the default delegate: every element is accepted.
type AllowAll struct{}

// CheckAccess implements Delegate.
func (AllowAll) CheckAccess(path traits.TraitPath, catalog traits.Catalog) error {
	return nil
}

// Rule is the per-trait policy.
type Rule string

const (
	RuleAllow Rule = "allow"
	RuleDeny  Rule = "deny"
)

// Manager is a Delegate with explicit per-trait rules and a default for
// traits with no rule.
type Manager struct {
	mu          sync.Mutex
	rules       map[traits.TraitDataHandle]Rule
	defaultRule Rule
}

// NewManager returns a manager that allows traits with no explicit rule.
func NewManager() *Manager {
	return &Manager{
		rules:       make(map[traits.TraitDataHandle]Rule),
		defaultRule: RuleAllow,
	}
}

// SetDefault changes the policy for traits with no explicit rule.
func (m *Manager) SetDefault(r Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultRule = r
}

// SetRule sets the policy for one trait handle.
func (m *Manager) SetRule(h traits.TraitDataHandle, r Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[h] = r
}

// LoadRules reads a JSON file mapping trait handles (as strings) to "allow"
// or "deny" and merges it into the rule set.
func (m *Manager) LoadRules(filePath string) error {
	file, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read access rules file: %w", err)
	}
	var raw map[string]string
	if err := json.Unmarshal(file, &raw); err != nil {
		return fmt.Errorf("failed to parse access rules file: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, val := range raw {
		h, err := strconv.ParseUint(key, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid trait handle %q in access rules: %w", key, err)
		}
		switch Rule(val) {
		case RuleAllow, RuleDeny:
			m.rules[traits.TraitDataHandle(h)] = Rule(val)
		default:
			return fmt.Errorf("invalid rule %q for trait handle %s", val, key)
		}
	}
	return nil
}

// CheckAccess implements Delegate.
func (m *Manager) CheckAccess(path traits.TraitPath, catalog traits.Catalog) error {
	m.mu.Lock()
	rule, ok := m.rules[path.Trait]
	if !ok {
		rule = m.defaultRule
	}
	m.mu.Unlock()

	if rule == RuleDeny {
		slog.Info("denying data element", "trait", path.Trait, "property", path.Property)
		return fmt.Errorf("%w: trait %d", ErrDenied, path.Trait)
	}
	return nil
}
