// Package envconfig applies key/value configuration to a store idempotently.
// Applying the same entries twice leaves the store untouched the second time.
package envconfig

import (
	"context"
	"sort"
	"strings"

	"github.com/bitswalk/kimage/src/common/errors"
	"github.com/bitswalk/kimage/src/common/logs"
)

var log = logs.NewDefault()

// SetLogger sets the logger for the envconfig package
func SetLogger(l *logs.Logger) {
	if l != nil {
		log = l
	}
}

// Entry is one key/value pair to apply
type Entry struct {
	Key   string `mapstructure:"key"`
	Value string `mapstructure:"value"`
}

// Store is a target configuration store
type Store interface {
	// Get returns the current value of key and whether it is set
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stages value under key
	Set(ctx context.Context, key, value string) error
	// Commit makes staged writes durable
	Commit(ctx context.Context) error
}

// Change describes one key whose value was written
type Change struct {
	Key     string
	Old     string
	New     string
	Existed bool
}

// Result lists what Apply changed and what was already in place
type Result struct {
	Changed   []Change
	Unchanged []string
}

// Applied reports whether anything was written
func (r *Result) Applied() bool {
	return len(r.Changed) > 0
}

// ParseEntries parses KEY=VALUE pairs. Only the first '=' separates key
// from value.
func ParseEntries(pairs []string) ([]Entry, error) {
	entries := make([]Entry, 0, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok {
			return nil, errors.ErrConfig.WithMessagef("invalid entry %q: expected KEY=VALUE", p)
		}
		entries = append(entries, Entry{Key: strings.TrimSpace(key), Value: value})
	}
	return entries, nil
}

// ValidateKey checks that key is usable in any store
func ValidateKey(key string) error {
	if key == "" {
		return errors.ErrConfig.WithMessage("empty configuration key")
	}
	if strings.ContainsAny(key, "= \t\r\n\"'$`") {
		return errors.ErrConfig.WithMessagef("invalid configuration key %q", key)
	}
	return nil
}

// normalize validates entries and removes exact duplicates. A key given
// twice with different values is rejected.
func normalize(entries []Entry) ([]Entry, error) {
	seen := make(map[string]string, len(entries))
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if err := ValidateKey(e.Key); err != nil {
			return nil, err
		}
		if strings.ContainsAny(e.Value, "\r\n") {
			return nil, errors.ErrConfig.WithMessagef("value of %s spans multiple lines", e.Key)
		}
		if prev, ok := seen[e.Key]; ok {
			if prev != e.Value {
				return nil, errors.ErrConfig.WithMessagef("conflicting values for %s", e.Key)
			}
			continue
		}
		seen[e.Key] = e.Value
		out = append(out, e)
	}
	return out, nil
}

// Apply writes every entry whose value differs from the store's and
// commits only when something changed
func Apply(ctx context.Context, store Store, entries []Entry) (*Result, error) {
	entries, err := normalize(entries)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current, ok, err := store.Get(ctx, e.Key)
		if err != nil {
			return nil, errors.ErrIO.WithMessagef("failed to read %s", e.Key).WithCause(err)
		}
		if ok && current == e.Value {
			result.Unchanged = append(result.Unchanged, e.Key)
			continue
		}
		if err := store.Set(ctx, e.Key, e.Value); err != nil {
			return nil, errors.ErrIO.WithMessagef("failed to set %s", e.Key).WithCause(err)
		}
		log.Debug("Configuration entry updated", "key", e.Key, "existed", ok)
		result.Changed = append(result.Changed, Change{Key: e.Key, Old: current, New: e.Value, Existed: ok})
	}

	if result.Applied() {
		if err := store.Commit(ctx); err != nil {
			return nil, errors.ErrIO.WithMessage("failed to commit configuration").WithCause(err)
		}
	}

	sort.Strings(result.Unchanged)
	return result, nil
}
