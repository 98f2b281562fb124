// Package statestore persists RequestState snapshots for the actor registry.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"mediagen/internal/domain"
)

// ErrUnsupportedScheme is returned by FromDSN for unknown backends.
var ErrUnsupportedScheme = errors.New("statestore: unsupported scheme")

// Filter narrows List results.
type Filter struct {
	ActiveOnly bool
}

// Backend is synchronous snapshot persistence keyed by request id.
type Backend interface {
	Load(ctx context.Context, id string) (*domain.RequestState, error)
	Save(ctx context.Context, state *domain.RequestState) error
	List(ctx context.Context, filter Filter) ([]*domain.RequestState, error)
	Close() error
}

// FromDSN picks a backend from the DSN scheme: memory://, file:///dir or postgres://.
func FromDSN(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemory(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("statestore: parse dsn: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		return NewMemory(), nil
	case "", "file":
		dir := parsed.Path
		if parsed.Scheme == "" {
			dir = dsn
		}
		if parsed.Host != "" && parsed.Host != "localhost" {
			dir = parsed.Host + parsed.Path
		}
		return NewFile(dir)
	case "postgres", "postgresql":
		return NewPostgres(dsn)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, parsed.Scheme)
	}
}

// Memory keeps JSON-encoded snapshots so loads never alias saved state.
type Memory struct {
	mu        sync.Mutex
	snapshots map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{snapshots: make(map[string][]byte)}
}

func (m *Memory) Load(_ context.Context, id string) (*domain.RequestState, error) {
	m.mu.Lock()
	data, ok := m.snapshots[id]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return decode(data)
}

func (m *Memory) Save(_ context.Context, state *domain.RequestState) error {
	if state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.snapshots[state.Meta.ID] = data
	m.mu.Unlock()
	return nil
}

func (m *Memory) List(_ context.Context, filter Filter) ([]*domain.RequestState, error) {
	m.mu.Lock()
	raw := make([][]byte, 0, len(m.snapshots))
	for _, data := range m.snapshots {
		raw = append(raw, data)
	}
	m.mu.Unlock()
	var out []*domain.RequestState
	for _, data := range raw {
		state, err := decode(data)
		if err != nil {
			return nil, err
		}
		if filter.ActiveOnly && state.Meta.Completed() {
			continue
		}
		out = append(out, state)
	}
	sortByCreated(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }

func decode(data []byte) (*domain.RequestState, error) {
	var state domain.RequestState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("statestore: decode snapshot: %w", err)
	}
	return &state, nil
}

func sortByCreated(states []*domain.RequestState) {
	sort.Slice(states, func(i, j int) bool {
		if states[i].Meta.CreatedAt.Equal(states[j].Meta.CreatedAt) {
			return states[i].Meta.ID < states[j].Meta.ID
		}
		return states[i].Meta.CreatedAt.Before(states[j].Meta.CreatedAt)
	})
}
