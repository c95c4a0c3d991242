package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// PersistentStore is the key-value persistence collaborator: each key is one
// JSON file with atomic write semantics (write .tmp, fsync, rename). Every
// key has exactly one owning component by construction, so no file is ever
// written concurrently.
type PersistentStore struct {
	dir string
	mu  sync.Mutex
}

// Persistence keys in use across the node.
const (
	PersistKeyBBS          = "bbs"
	PersistKeyBBSUsers     = "bbsUsers"
	PersistKeyLastHeard    = "lastHeard"
	PersistKeyMetricAlerts = "metricAlerts"
	PersistKeyActiveAlerts = "activeAlerts"
)

func NewPersistentStore(dir string) (*PersistentStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", dir, err)
	}
	return &PersistentStore{dir: dir}, nil
}

func (p *PersistentStore) path(key string) string {
	return filepath.Join(p.dir, key+".json")
}

// Save marshals v and atomically replaces the key's file.
func (p *PersistentStore) Save(key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	tmp := p.path(key) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", key, err)
	}
	if err := os.Rename(tmp, p.path(key)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", key, err)
	}
	return nil
}

// Load unmarshals the key's file into v. A missing file returns
// os.ErrNotExist so first-run callers can start empty.
func (p *PersistentStore) Load(key string, v any) error {
	p.mu.Lock()
	data, err := os.ReadFile(p.path(key))
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("corrupt persistence file %s: %w", p.path(key), err)
	}
	return nil
}

// Exists reports whether the key has been persisted.
func (p *PersistentStore) Exists(key string) bool {
	_, err := os.Stat(p.path(key))
	return err == nil
}
