// Package node manages the identity of a vsmbus server instance and mints the
// ULIDs used for messages, signals and push sessions.
//
// The identity is written to <data_dir>/node.yaml on first start and reused
// afterwards, so audit records written across restarts share one node id.
package node

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	"github.com/sneh-joshi/vsmbus/internal/types"
)

const identityFile = "node.yaml"

// ErrInvalidID is returned for an id that is not a canonical ULID.
var ErrInvalidID = errors.New("node: invalid id")

// ID is the ULID of a bus instance.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

type identity struct {
	ID        string    `yaml:"id"`
	CreatedAt time.Time `yaml:"created_at"`
}

// Node is the persistent identity of this server instance.
type Node struct {
	id      ID
	created time.Time
	started time.Time
	dataDir string
}

// New loads the identity stored in dataDir, creating dataDir and a fresh
// identity when absent. A non-empty override other than "auto" pins the id
// and is not persisted.
func New(dataDir string, override string) (*Node, error) {
	if dataDir == "" {
		return nil, errors.New("node: data dir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}
	n := &Node{dataDir: dataDir, started: time.Now().UTC()}

	if override != "" && override != "auto" {
		t, err := IDTime(override)
		if err != nil {
			return nil, err
		}
		n.id, n.created = ID(override), t
		return n, nil
	}

	ident, err := loadIdentity(filepath.Join(dataDir, identityFile))
	if err != nil {
		return nil, err
	}
	n.id, n.created = ID(ident.ID), ident.CreatedAt
	return n, nil
}

// ID returns the node's ULID.
func (n *Node) ID() ID { return n.id }

// DataDir returns the root data directory.
func (n *Node) DataDir() string { return n.dataDir }

// CreatedAt is when the identity was first minted.
func (n *Node) CreatedAt() time.Time { return n.created }

// Uptime is the time elapsed since New.
func (n *Node) Uptime() time.Duration { return time.Since(n.started) }

func loadIdentity(path string) (identity, error) {
	var ident identity
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &ident); err != nil {
			return ident, fmt.Errorf("node: parse %s: %w", path, err)
		}
		if _, err := IDTime(ident.ID); err != nil {
			return ident, fmt.Errorf("node: %s: %w", path, err)
		}
		return ident, nil
	case !errors.Is(err, os.ErrNotExist):
		return ident, fmt.Errorf("node: read %s: %w", path, err)
	}

	id, err := NewID()
	if err != nil {
		return ident, fmt.Errorf("node: generate id: %w", err)
	}
	ident = identity{ID: id, CreatedAt: time.Now().UTC().Truncate(time.Millisecond)}
	out, err := yaml.Marshal(ident)
	if err != nil {
		return ident, fmt.Errorf("node: encode identity: %w", err)
	}
	if err := os.WriteFile(path, out, 0o640); err != nil {
		return ident, fmt.Errorf("node: persist identity: %w", err)
	}
	return ident, nil
}

// ─── ID minting ──────────────────────────────────────────────────────────────

// Ids minted within one millisecond stay ordered; the audit log and the DLQ
// use them as sort keys.
var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID mints a time-ordered ULID.
func NewID() (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	u, err := ulid.New(ulid.Now(), entropy)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// MustNewID is NewID for tests and init code. It panics on entropy failure.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("node: mint id: %v", err))
	}
	return id
}

// IDTime returns the timestamp embedded in id.
func IDTime(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q: %v", ErrInvalidID, id, err)
	}
	return ulid.Time(u.Time()).UTC(), nil
}

// NewMessage builds a message stamped with a fresh id.
func NewMessage(from, to types.Endpoint, ch types.Channel, typ string, payload map[string]any, meta map[string]string) (types.Message, error) {
	id, err := NewID()
	if err != nil {
		return types.Message{}, fmt.Errorf("node: message id: %w", err)
	}
	return types.NewMessage(id, from, to, ch, typ, payload, meta), nil
}
