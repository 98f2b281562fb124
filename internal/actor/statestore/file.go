package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mediagen/internal/domain"
)

// File stores one JSON snapshot per request under a directory, replacing files
// atomically via rename.
type File struct {
	dir string
}

func NewFile(dir string) (*File, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("statestore: file directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("statestore: ensure directory: %w", err)
	}
	return &File{dir: dir}, nil
}

func (f *File) path(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", fmt.Errorf("%w: request id %q", domain.ErrInvalidInput, id)
	}
	return filepath.Join(f.dir, id+".json"), nil
}

func (f *File) Load(ctx context.Context, id string) (*domain.RequestState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := f.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return decode(data)
}

func (f *File) Save(ctx context.Context, state *domain.RequestState) error {
	if state == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := f.path(state.Meta.ID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func (f *File) List(ctx context.Context, filter Filter) ([]*domain.RequestState, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	var out []*domain.RequestState
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.dir, entry.Name()))
		if err != nil {
			return nil, err
		}
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

func (f *File) Close() error { return nil }
