// Package store implements the generic typed persistent map described in
// spec §4.3: a typed durable map layered over an external key-value
// backend, instantiated once per record kind (pairings, expirer entries,
// keychain symmetric keys, keychain private keys) rather than relying
// on runtime reflection, per spec §9's design note.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/walletconnect/relay-core/rcerr"
)

// Backend is the durable key-value store assumed to be provided by the
// embedding client (spec §1: storage backends are an external
// collaborator). Keys are opaque strings; values are opaque bytes.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys returns every stored key with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Store is a typed durable map over Backend, namespaced under
// "<contextPrefix>:<name>:". V must be JSON-serializable; Update performs
// a shallow field merge against a map[string]any view of V.
type Store[V any] struct {
	mu        sync.RWMutex
	backend   Backend
	namespace string
	createOnly bool

	// cache mirrors the backend for fast Keys/GetAll/Values without a
	// round trip, rehydrated from the backend on Init.
	cache map[string]V
}

// New creates a Store for record kind `name`, namespaced under
// contextPrefix (e.g. "walletconnect:pairing").
func New[V any](backend Backend, contextPrefix, name string) *Store[V] {
	return &Store[V]{
		backend:   backend,
		namespace: fmt.Sprintf("%s:%s:", contextPrefix, name),
	}
}

// WithCreateOnly makes Set fail with ErrAlreadyExists if the key already
// exists, per spec §4.3's configurable create-only mode.
func (s *Store[V]) WithCreateOnly(createOnly bool) *Store[V] {
	s.createOnly = createOnly
	return s
}

// Init rehydrates the in-memory cache from the backend.
func (s *Store[V]) Init(ctx context.Context) error {
	keys, err := s.backend.Keys(ctx, s.namespace)
	if err != nil {
		return fmt.Errorf("store init: list keys: %w", err)
	}

	cache := make(map[string]V, len(keys))
	for _, fullKey := range keys {
		raw, ok, err := s.backend.Get(ctx, fullKey)
		if err != nil {
			return fmt.Errorf("store init: get %s: %w", fullKey, err)
		}
		if !ok {
			continue
		}
		var v V
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("store init: decode %s: %w", fullKey, err)
		}
		cache[strip(fullKey, s.namespace)] = v
	}

	s.mu.Lock()
	s.cache = cache
	s.mu.Unlock()
	return nil
}

// Set writes v under k, flushing to the backend before returning (spec
// §4.3: "writes are flushed synchronously, durability before ack").
func (s *Store[V]) Set(ctx context.Context, k string, v V) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.createOnly {
		if _, exists := s.cache[k]; exists {
			return fmt.Errorf("set %s: %w", k, rcerr.ErrAlreadyExists)
		}
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store set %s: marshal: %w", k, err)
	}
	if err := s.backend.Set(ctx, s.namespace+k, raw); err != nil {
		return fmt.Errorf("store set %s: %w", k, err)
	}

	if s.cache == nil {
		s.cache = make(map[string]V)
	}
	s.cache[k] = v
	return nil
}

// Get returns the value stored under k, or ErrNoMatchingKey.
func (s *Store[V]) Get(ctx context.Context, k string) (V, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var zero V
	v, ok := s.cache[k]
	if !ok {
		return zero, fmt.Errorf("get %s: %w", k, rcerr.ErrNoMatchingKey)
	}
	return v, nil
}

// GetAll returns every record for which predicate returns true (or every
// record, if predicate is nil).
func (s *Store[V]) GetAll(ctx context.Context, predicate func(V) bool) []V {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]V, 0, len(s.cache))
	for _, v := range s.cache {
		if predicate == nil || predicate(v) {
			out = append(out, v)
		}
	}
	return out
}

// Update shallow-merges partial (a map of field updates) into the record
// stored under k, preserving fields not present in partial, per spec
// §4.3's Update semantics.
func (s *Store[V]) Update(ctx context.Context, k string, partial map[string]any) (V, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero V
	existing, ok := s.cache[k]
	if !ok {
		return zero, fmt.Errorf("update %s: %w", k, rcerr.ErrNoMatchingKey)
	}

	existingRaw, err := json.Marshal(existing)
	if err != nil {
		return zero, fmt.Errorf("update %s: marshal existing: %w", k, err)
	}
	var merged map[string]any
	if err := json.Unmarshal(existingRaw, &merged); err != nil {
		return zero, fmt.Errorf("update %s: unmarshal existing: %w", k, err)
	}
	for field, val := range partial {
		merged[field] = val
	}

	mergedRaw, err := json.Marshal(merged)
	if err != nil {
		return zero, fmt.Errorf("update %s: marshal merged: %w", k, err)
	}
	var updated V
	if err := json.Unmarshal(mergedRaw, &updated); err != nil {
		return zero, fmt.Errorf("update %s: unmarshal merged: %w", k, err)
	}

	if err := s.backend.Set(ctx, s.namespace+k, mergedRaw); err != nil {
		return zero, fmt.Errorf("update %s: %w", k, err)
	}
	s.cache[k] = updated
	return updated, nil
}

// Delete removes k; reason is accepted for call-site documentation (e.g.
// "expired", "user_disconnected") and is not itself persisted.
func (s *Store[V]) Delete(ctx context.Context, k string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cache[k]; !ok {
		return fmt.Errorf("delete %s: %w", k, rcerr.ErrNoMatchingKey)
	}
	if err := s.backend.Delete(ctx, s.namespace+k); err != nil {
		return fmt.Errorf("delete %s: %w", k, err)
	}
	delete(s.cache, k)
	return nil
}

// Keys returns every key currently stored, sorted for deterministic
// iteration.
func (s *Store[V]) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.cache))
	for k := range s.cache {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Values returns every stored value, in Keys() order.
func (s *Store[V]) Values() []V {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.cache))
	for k := range s.cache {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]V, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.cache[k])
	}
	return out
}

// Has reports whether k is present without allocating a copy of V.
func (s *Store[V]) Has(k string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cache[k]
	return ok
}

func strip(full, namespace string) string {
	if len(full) >= len(namespace) && full[:len(namespace)] == namespace {
		return full[len(namespace):]
	}
	return full
}
