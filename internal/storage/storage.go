// Package storage implements the namespaced key/value Storage Service shared
// by the core and by plugins. Values are stored JSON-encoded in a Backend.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrEmptyKey is returned when an operation is given an empty key.
var ErrEmptyKey = errors.New("storage: empty key")

// Separator joins a namespace and a key.
const Separator = ":"

// Service is the storage contract consumed by the plugin manager and plugins.
type Service interface {
	// Get decodes the value stored under key into out. It reports false when
	// the key does not exist.
	Get(ctx context.Context, key string, out interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}) error
	Remove(ctx context.Context, key string) error
	Has(ctx context.Context, key string) (bool, error)
	// Keys lists the keys visible to this view, without its prefix.
	Keys(ctx context.Context) ([]string, error)
	// Namespace returns a view that prefixes every key with id.
	Namespace(id string) Service
}

// Backend persists raw values. Implementations must be safe for concurrent use.
type Backend interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// List returns every key starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Store is the Service implementation on top of a Backend.
type Store struct {
	backend Backend
	prefix  string
}

// New creates a root (unnamespaced) store.
func New(backend Backend) *Store {
	return &Store{backend: backend}
}

// Get implements Service.
func (s *Store) Get(ctx context.Context, key string, out interface{}) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	data, ok, err := s.backend.Load(ctx, s.prefix+key)
	if err != nil {
		return false, fmt.Errorf("failed to read %q: %w", s.prefix+key, err)
	}
	if !ok {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return true, fmt.Errorf("failed to decode %q: %w", s.prefix+key, err)
	}
	return true, nil
}

// Set implements Service.
func (s *Store) Set(ctx context.Context, key string, value interface{}) error {
	if key == "" {
		return ErrEmptyKey
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", s.prefix+key, err)
	}
	if err := s.backend.Store(ctx, s.prefix+key, data); err != nil {
		return fmt.Errorf("failed to write %q: %w", s.prefix+key, err)
	}
	return nil
}

// Remove implements Service. Removing a missing key is not an error.
func (s *Store) Remove(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := s.backend.Delete(ctx, s.prefix+key); err != nil {
		return fmt.Errorf("failed to remove %q: %w", s.prefix+key, err)
	}
	return nil
}

// Has implements Service.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	return s.Get(ctx, key, nil)
}

// Keys implements Service. The result is sorted.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.backend.List(ctx, s.prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, s.prefix))
	}
	sort.Strings(out)
	return out, nil
}

// Namespace implements Service.
func (s *Store) Namespace(id string) Service {
	return &Store{backend: s.backend, prefix: s.prefix + id + Separator}
}

// Prefix returns the key prefix of this view ("" for the root store).
func (s *Store) Prefix() string {
	return s.prefix
}

// Get is the typed form of Service.Get. The zero value is returned when the
// key is missing.
func Get[T any](ctx context.Context, s Service, key string) (T, bool, error) {
	var v T
	ok, err := s.Get(ctx, key, &v)
	return v, ok, err
}
