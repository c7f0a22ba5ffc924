// Package file implements store.AgentRepository over a directory of YAML
// documents, one per agent. It backs the CLI and bootstrap flows where a
// database is overkill: records are human-editable files named
// "<agent id>.yaml" under a single root directory.
//
// The repository is safe for concurrent use within one process. It offers no
// cross-process locking; concurrent writers from separate processes get
// last-write-wins semantics.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ensembleworks/ensemble/runtime/store"
)

// Options configures the repository.
type Options struct {
	// Root is the directory holding the agent documents. Required; created
	// when missing.
	Root string
}

// Repository is a YAML-file-backed agent repository.
type Repository struct {
	root string
	mu   sync.Mutex
}

// New returns a repository rooted at opts.Root, creating the directory when
// it does not exist.
func New(opts Options) (*Repository, error) {
	if opts.Root == "" {
		return nil, errors.New("file repository requires a root directory")
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create agent directory %s: %w", opts.Root, err)
	}
	return &Repository{root: opts.Root}, nil
}

// Save implements store.AgentRepository. The document is written atomically
// via a temp file rename so a crashed write never leaves a half-written
// record behind.
func (r *Repository) Save(ctx context.Context, rec *store.AgentRecord) error {
	if rec == nil || rec.ID == "" {
		return errors.New("agent record requires an id")
	}
	if err := validID(rec.ID); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	stored := *rec
	stored.UpdatedAt = now
	stored.CreatedAt = rec.CreatedAt
	if prev, err := r.read(rec.ID); err == nil {
		stored.CreatedAt = prev.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}

	data, err := yaml.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal agent %s: %w", rec.ID, err)
	}
	tmp, err := os.CreateTemp(r.root, "."+rec.ID+".*")
	if err != nil {
		return fmt.Errorf("write agent %s: %w", rec.ID, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write agent %s: %w", rec.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write agent %s: %w", rec.ID, err)
	}
	if err := os.Rename(tmp.Name(), r.path(rec.ID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write agent %s: %w", rec.ID, err)
	}
	rec.CreatedAt = stored.CreatedAt
	rec.UpdatedAt = stored.UpdatedAt
	return nil
}

// Get implements store.AgentRepository.
func (r *Repository) Get(ctx context.Context, id string) (*store.AgentRecord, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read(id)
}

// List implements store.AgentRepository. Records are returned ordered by ID;
// files that fail to parse are skipped so one corrupt document does not hide
// the rest.
func (r *Repository) List(ctx context.Context, userID string) ([]*store.AgentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	var out []*store.AgentRecord
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ext) {
			continue
		}
		rec, err := r.read(strings.TrimSuffix(name, ext))
		if err != nil {
			continue
		}
		if userID != "" && rec.UserID != userID {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete implements store.AgentRepository.
func (r *Repository) Delete(ctx context.Context, id string) error {
	if err := validID(id); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.Remove(r.path(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return store.ErrNotFound
		}
		return fmt.Errorf("delete agent %s: %w", id, err)
	}
	return nil
}

const ext = ".yaml"

func (r *Repository) path(id string) string {
	return filepath.Join(r.root, id+ext)
}

func (r *Repository) read(id string) (*store.AgentRecord, error) {
	data, err := os.ReadFile(r.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("read agent %s: %w", id, err)
	}
	var rec store.AgentRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse agent %s: %w", id, err)
	}
	if rec.ID == "" {
		rec.ID = id
	}
	return &rec, nil
}

// validID rejects IDs that would escape the root directory or collide with
// temp files.
func validID(id string) error {
	if id == "" {
		return errors.New("agent id is required")
	}
	if strings.ContainsAny(id, "/\\") || strings.HasPrefix(id, ".") || id != filepath.Base(id) {
		return fmt.Errorf("invalid agent id %q", id)
	}
	return nil
}
