// Package jsonfile keeps one JSON file per session in a directory.
package jsonfile

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/m4xw311/agentdeck/errors"
	"github.com/m4xw311/agentdeck/store"
)

type Store struct {
	dir string
	mu  sync.Mutex
}

var _ store.Store = (*Store)(nil)

// New uses dir, creating it when missing.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "could not create session directory")
	}
	return &Store{dir: dir}, nil
}

// Save writes the record to a temporary file and renames it into place.
func (s *Store) Save(ctx context.Context, r store.Record) error {
	if err := store.CheckID(r.ID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tmp, err := os.CreateTemp(s.dir, r.ID+".*.tmp")
	if err != nil {
		return errors.Wrapf(err, "save session %s", r.ID)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "save session %s", r.ID)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "save session %s", r.ID)
	}
	return errors.Wrapf(os.Rename(tmp.Name(), s.path(r.ID)), "save session %s", r.ID)
}

func (s *Store) Load(ctx context.Context, id string) (*store.Record, error) {
	if err := store.CheckID(id); err != nil {
		return nil, err
	}
	path := s.path(id)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(store.ErrNotFound, "session %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not read session file %s", path)
	}
	var r store.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrapf(err, "could not parse session file %s", path)
	}
	return &r, nil
}

// List reads every session file. Unreadable files are skipped.
func (s *Store) List(ctx context.Context) ([]store.Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "list sessions")
	}
	var out []store.Summary
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := s.Load(ctx, strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		out = append(out, store.Summarize(*r))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := store.CheckID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(id))
	if os.IsNotExist(err) {
		return errors.Wrapf(store.ErrNotFound, "session %s", id)
	}
	return errors.Wrapf(err, "delete session %s", id)
}

func (s *Store) Close() error { return nil }

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}
