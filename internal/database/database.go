// Package database is the daemon's small persistent key/value store. It
// backs two pieces of state that have no other natural home — the
// is-planner-fed dynamic threshold (§4.4) and the LCD carousel's
// acknowledged-error set (§4.12) — and is exposed generically over the
// HTTP API's server/database endpoints so WUI plugins can stash their
// own namespaced settings the same way they would against Moonraker.
//
// Unlike the teacher's one-JSON-file-per-namespace layout, everything
// lives in a single envelope file on disk: this daemon manages a
// handful of namespaces at most, never the dozens a Klipper host
// accumulates, so one file with one version stamp is enough and avoids
// a directory scan on every restart.
package database

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	schemaVersion = 1

	namespaceDaemon        = "prusalink"
	keyPlannerFedThreshold = "threshold"
	keyLCDAcknowledged     = "lcd_acknowledged_errors"

	storeFileName = "database.json"
)

// envelope is the on-disk shape: a version stamp plus the namespaced
// data, so a future schema change has somewhere to hang a migration.
type envelope struct {
	Version    int                               `json:"version"`
	Namespaces map[string]map[string]interface{} `json:"namespaces"`
}

// Database is a namespaced, dot-notation key/value store persisted as
// a single JSON file. It is safe for concurrent use.
type Database struct {
	mu   sync.RWMutex
	path string
	data map[string]map[string]interface{}
}

// New opens (or initializes) the database file under dataDir.
func New(dataDir string) (*Database, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db := &Database{
		path: filepath.Join(dataDir, storeFileName),
		data: make(map[string]map[string]interface{}),
	}
	if err := db.load(); err != nil {
		return nil, fmt.Errorf("loading database: %w", err)
	}
	return db, nil
}

func (db *Database) load() error {
	raw, err := os.ReadFile(db.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	if env.Namespaces != nil {
		db.data = env.Namespaces
	}
	// No migrations defined yet; env.Version is read for when one is.
	return nil
}

// saveLocked persists the whole store. Callers must hold db.mu.
func (db *Database) saveLocked() error {
	env := envelope{Version: schemaVersion, Namespaces: db.data}
	raw, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(db.path, raw, 0o644)
}

// GetItem retrieves a value by namespace and dot-notation key (e.g.
// "printer.id" reaches into a nested object).
func (db *Database) GetItem(namespace, key string) (interface{}, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	ns, ok := db.data[namespace]
	if !ok {
		return nil, false
	}
	return lookup(ns, key)
}

// GetNamespace returns a copy of every item in a namespace.
func (db *Database) GetNamespace(namespace string) (map[string]interface{}, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	ns, ok := db.data[namespace]
	if !ok {
		return nil, false
	}
	out := make(map[string]interface{}, len(ns))
	for k, v := range ns {
		out[k] = v
	}
	return out, true
}

// SetItem stores a value by namespace and dot-notation key, creating
// intermediate objects and the namespace itself as needed.
func (db *Database) SetItem(namespace, key string, value interface{}) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	ns, ok := db.data[namespace]
	if !ok {
		ns = make(map[string]interface{})
		db.data[namespace] = ns
	}
	assign(ns, key, value)
	return db.saveLocked()
}

// DeleteItem removes a value by namespace and dot-notation key.
func (db *Database) DeleteItem(namespace, key string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	ns, ok := db.data[namespace]
	if !ok {
		return nil
	}
	remove(ns, key)
	return db.saveLocked()
}

// ListNamespaces returns the names of every namespace currently holding data.
func (db *Database) ListNamespaces() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()

	out := make([]string, 0, len(db.data))
	for ns := range db.data {
		out = append(out, ns)
	}
	return out
}

// lookup resolves a dot-notation key against a nested object tree.
func lookup(obj map[string]interface{}, key string) (interface{}, bool) {
	head, rest, more := strings.Cut(key, ".")
	v, ok := obj[head]
	if !ok {
		return nil, false
	}
	if !more {
		return v, true
	}
	child, ok := v.(map[string]interface{})
	if !ok {
		return nil, false
	}
	return lookup(child, rest)
}

// assign resolves (creating intermediate objects as needed) and sets a
// dot-notation key against a nested object tree.
func assign(obj map[string]interface{}, key string, value interface{}) {
	head, rest, more := strings.Cut(key, ".")
	if !more {
		obj[head] = value
		return
	}
	child, ok := obj[head].(map[string]interface{})
	if !ok {
		child = make(map[string]interface{})
		obj[head] = child
	}
	assign(child, rest, value)
}

// remove deletes a dot-notation key from a nested object tree, a no-op
// if any intermediate segment is missing or not an object.
func remove(obj map[string]interface{}, key string) {
	head, rest, more := strings.Cut(key, ".")
	if !more {
		delete(obj, head)
		return
	}
	child, ok := obj[head].(map[string]interface{})
	if !ok {
		return
	}
	remove(child, rest)
}

// PlannerFedThresholdMillis reads the persisted dynamic threshold for
// the is-planner-fed estimator, or ok=false if none has been saved yet.
func (db *Database) PlannerFedThresholdMillis() (float64, bool) {
	v, ok := db.GetItem(namespaceDaemon, keyPlannerFedThreshold)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// SetPlannerFedThresholdMillis persists a freshly computed dynamic
// threshold so it survives a daemon restart.
func (db *Database) SetPlannerFedThresholdMillis(ms float64) error {
	return db.SetItem(namespaceDaemon, keyPlannerFedThreshold, ms)
}

// AcknowledgedLCDErrors returns the set of error texts the operator
// has dismissed on the LCD carousel, so they don't keep reappearing
// after a restart.
func (db *Database) AcknowledgedLCDErrors() []string {
	v, ok := db.GetItem(namespaceDaemon, keyLCDAcknowledged)
	if !ok {
		return nil
	}
	var raw []interface{}
	switch vv := v.(type) {
	case []string:
		return append([]string(nil), vv...)
	case []interface{}:
		raw = vv
	default:
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// AcknowledgeLCDError appends an error text to the acknowledged set.
func (db *Database) AcknowledgeLCDError(text string) error {
	existing := db.AcknowledgedLCDErrors()
	for _, e := range existing {
		if e == text {
			return nil
		}
	}
	existing = append(existing, text)
	return db.SetItem(namespaceDaemon, keyLCDAcknowledged, existing)
}
