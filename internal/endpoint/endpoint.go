// Package endpoint manages the vsmbus endpoint registry.
//
// An endpoint is anything a message can be addressed to: one of the five
// subsystems of a viable system, a human team, or a component that lives
// under a subsystem ("System1.billing"). The five subsystems and the three
// teams are built in. Further endpoints are declared in config or registered
// at runtime; runtime registrations are persisted to a JSON file in the
// server's data directory so they survive restarts.
//
// Design rules:
//   - Endpoint names match case-insensitively; the registry hands out the
//     canonical spelling.
//   - A component name is <known endpoint>.<segment>[.<segment>...] where each
//     segment is 1-63 lowercase letters, digits, '_' or '-', starting with a
//     letter or digit. A syntactically valid component that was never
//     registered is still known: it inherits class and capabilities from its
//     nearest registered ancestor.
//   - The command hierarchy is an arena of nodes with parent/child indices,
//     rebuilt whenever the registry changes.
//   - All methods are safe for concurrent use.
package endpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sneh-joshi/vsmbus/internal/types"
)

// Class is the kind of endpoint. The router uses it for peer-to-peer checks.
type Class string

const (
	ClassOperational  Class = "operational"
	ClassCoordination Class = "coordination"
	ClassControl      Class = "control"
	ClassIntelligence Class = "intelligence"
	ClassPolicy       Class = "policy"
	ClassTeam         Class = "team"
)

// Valid reports whether c is a known class.
func (c Class) Valid() bool {
	switch c {
	case ClassOperational, ClassCoordination, ClassControl, ClassIntelligence, ClassPolicy, ClassTeam:
		return true
	}
	return false
}

// Capabilities gate channel access.
const (
	CapAudit     = "audit"
	CapAlgedonic = "algedonic"
)

var (
	// ErrNotFound is returned when an endpoint is neither registered nor a
	// valid component name.
	ErrNotFound = errors.New("endpoint: not found")

	// ErrAlreadyExists is returned by Register for an existing endpoint.
	ErrAlreadyExists = errors.New("endpoint: already exists")

	// ErrInvalidName is returned when a name fails the syntax rules.
	ErrInvalidName = errors.New("endpoint: invalid name")

	// ErrBuiltin is returned when trying to remove a built-in or
	// config-declared endpoint.
	ErrBuiltin = errors.New("endpoint: cannot remove built-in endpoint")
)

var (
	rootRe    = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,63}$`)
	segmentRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]{0,62}$`)
)

// Endpoint is the record stored for each registered endpoint.
type Endpoint struct {
	Name         types.Endpoint `json:"name"`
	Class        Class          `json:"class"`
	Parent       types.Endpoint `json:"parent,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	WebhookURL   string         `json:"webhook_url,omitempty"`
	Secret       string         `json:"webhook_secret,omitempty"`
	CreatedAt    int64          `json:"created_at"` // UTC milliseconds

	// Origin is "builtin", "config" or "runtime". Only runtime entries are
	// persisted or removable.
	Origin string `json:"origin"`
}

// Can reports whether the endpoint holds capability cap.
func (e Endpoint) Can(cap string) bool { return slices.Contains(e.Capabilities, cap) }

func (e Endpoint) clone() Endpoint {
	e.Capabilities = slices.Clone(e.Capabilities)
	return e
}

const (
	originBuiltin = "builtin"
	originConfig  = "config"
	originRuntime = "runtime"
)

// Builtins returns the default endpoint set of a viable system.
func Builtins() []Endpoint {
	return []Endpoint{
		{Name: types.System5, Class: ClassPolicy, Capabilities: []string{CapAudit, CapAlgedonic}},
		{Name: types.System4, Class: ClassIntelligence, Parent: types.System5, Capabilities: []string{CapAlgedonic}},
		{Name: types.System3, Class: ClassControl, Parent: types.System5, Capabilities: []string{CapAudit, CapAlgedonic}},
		{Name: types.System2, Class: ClassCoordination, Parent: types.System3, Capabilities: []string{CapAlgedonic}},
		{Name: types.System1, Class: ClassOperational, Parent: types.System3, Capabilities: []string{CapAlgedonic}},
		{Name: types.OperationsTeam, Class: ClassTeam},
		{Name: types.ExecutiveTeam, Class: ClassTeam},
		{Name: types.OnCall, Class: ClassTeam},
	}
}

// Registry is the in-memory + on-disk store for all endpoint records.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*Endpoint // keyed by lower-cased name
	tree     hierarchy
	filePath string // empty = no persistence
}

// New creates a Registry seeded with the built-in endpoints, then applies the
// declared endpoints (from config), then loads runtime registrations from
// dataDir/endpoints.json. An empty dataDir disables persistence.
func New(dataDir string, declared ...Endpoint) (*Registry, error) {
	r := &Registry{entries: make(map[string]*Endpoint)}
	now := time.Now().UnixMilli()
	for _, ep := range Builtins() {
		ep.Origin = originBuiltin
		ep.CreatedAt = now
		r.entries[key(ep.Name)] = &ep
	}

	for _, ep := range declared {
		if err := r.applyDeclared(ep, now); err != nil {
			return nil, err
		}
	}

	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o750); err != nil {
			return nil, fmt.Errorf("endpoint: create data dir: %w", err)
		}
		r.filePath = filepath.Join(dataDir, "endpoints.json")
		if err := r.load(); err != nil {
			return nil, err
		}
	}

	if err := r.rebuild(); err != nil {
		return nil, err
	}
	return r, nil
}

// applyDeclared merges a config-declared endpoint. A declared entry for a
// built-in name overrides only the non-empty fields.
func (r *Registry) applyDeclared(ep Endpoint, now int64) error {
	if existing, ok := r.entries[key(ep.Name)]; ok {
		if ep.Class != "" {
			existing.Class = ep.Class
		}
		if ep.Capabilities != nil {
			existing.Capabilities = slices.Clone(ep.Capabilities)
		}
		if ep.WebhookURL != "" {
			existing.WebhookURL = ep.WebhookURL
			existing.Secret = ep.Secret
		}
		return nil
	}
	canon, err := r.checkNewName(ep.Name)
	if err != nil {
		return err
	}
	ep.Name = canon
	if err := r.fillDefaults(&ep); err != nil {
		return err
	}
	ep.Origin = originConfig
	ep.CreatedAt = now
	r.entries[key(ep.Name)] = &ep
	return nil
}

// Register adds a runtime endpoint and persists it. Class, parent and
// capabilities default to those of the nearest registered ancestor.
func (r *Registry) Register(ep Endpoint) (Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[key(ep.Name)]; ok {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrAlreadyExists, ep.Name)
	}
	canon, err := r.checkNewName(ep.Name)
	if err != nil {
		return Endpoint{}, err
	}
	ep.Name = canon
	if err := r.fillDefaults(&ep); err != nil {
		return Endpoint{}, err
	}
	ep.Origin = originRuntime
	ep.CreatedAt = time.Now().UnixMilli()
	ep.Capabilities = slices.Clone(ep.Capabilities)

	r.entries[key(ep.Name)] = &ep
	if err := r.rebuild(); err != nil {
		delete(r.entries, key(ep.Name))
		return Endpoint{}, err
	}
	if err := r.save(); err != nil {
		delete(r.entries, key(ep.Name))
		_ = r.rebuild()
		return Endpoint{}, err
	}
	return ep.clone(), nil
}

// Deregister removes a runtime endpoint. Built-in and config-declared
// endpoints cannot be removed.
func (r *Registry) Deregister(name types.Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.entries[key(name)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if ep.Origin != originRuntime {
		return fmt.Errorf("%w: %s", ErrBuiltin, name)
	}
	for _, other := range r.entries {
		if key(other.Parent) == key(name) {
			return fmt.Errorf("endpoint: %s still has child %s", name, other.Name)
		}
	}
	delete(r.entries, key(name))
	if err := r.rebuild(); err != nil {
		return err
	}
	return r.save()
}

// Lookup returns the registered record for name. Implicit component names
// are not returned; use Resolve for those.
func (r *Registry) Lookup(name types.Endpoint) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.entries[key(name)]
	if !ok {
		return Endpoint{}, false
	}
	return ep.clone(), true
}

// Resolve returns the record for name. A registered name returns its record.
// A syntactically valid component of a registered endpoint returns a
// synthesized record that inherits class and capabilities from its nearest
// registered ancestor. Anything else returns ErrNotFound or ErrInvalidName.
func (r *Registry) Resolve(name types.Endpoint) (Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveLocked(name)
}

func (r *Registry) resolveLocked(name types.Endpoint) (Endpoint, error) {
	if ep, ok := r.entries[key(name)]; ok {
		return ep.clone(), nil
	}
	canon, parent, err := r.componentParent(name)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{
		Name:         canon,
		Class:        parent.Class,
		Parent:       parent.Name,
		Capabilities: slices.Clone(parent.Capabilities),
	}, nil
}

// Known reports whether name resolves.
func (r *Registry) Known(name types.Endpoint) bool {
	_, err := r.Resolve(name)
	return err == nil
}

// Canonical returns the canonical spelling of name.
func (r *Registry) Canonical(name types.Endpoint) (types.Endpoint, bool) {
	ep, err := r.Resolve(name)
	if err != nil {
		return "", false
	}
	return ep.Name, true
}

// HasCapability reports whether name resolves and holds cap.
func (r *Registry) HasCapability(name types.Endpoint, cap string) bool {
	ep, err := r.Resolve(name)
	return err == nil && ep.Can(cap)
}

// ClassOf returns the class of name, or "" if it does not resolve.
func (r *Registry) ClassOf(name types.Endpoint) Class {
	ep, err := r.Resolve(name)
	if err != nil {
		return ""
	}
	return ep.Class
}

// List returns all registered endpoints sorted by name.
func (r *Registry) List() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Endpoint, 0, len(r.entries))
	for _, ep := range r.entries {
		out = append(out, ep.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PathDown returns the command path from `from` down to `to`, both ends
// included. ok is false when `to` is not a strict descendant of `from`.
func (r *Registry) PathDown(from, to types.Endpoint) (path []types.Endpoint, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src, err := r.resolveLocked(from)
	if err != nil {
		return nil, false
	}
	dst, err := r.resolveLocked(to)
	if err != nil {
		return nil, false
	}
	if key(src.Name) == key(dst.Name) {
		return nil, false
	}

	// An unregistered component is a leaf hanging off its nearest registered
	// ancestor; start the arena walk there.
	var tail []types.Endpoint
	start := dst.Name
	if _, registered := r.entries[key(dst.Name)]; !registered {
		tail = append(tail, dst.Name)
		start = dst.Parent
	}

	up, ok := r.tree.ancestry(start, src.Name)
	if !ok {
		return nil, false
	}
	slices.Reverse(up)
	return append(up, tail...), true
}

// ─── Name rules ──────────────────────────────────────────────────────────────

// ValidComponentName reports whether name is syntactically a component name,
// without checking that its root is known.
func ValidComponentName(name string) bool {
	parts := strings.Split(name, ".")
	if len(parts) < 2 || !rootRe.MatchString(parts[0]) {
		return false
	}
	for _, seg := range parts[1:] {
		if !segmentRe.MatchString(seg) {
			return false
		}
	}
	return true
}

// componentParent splits a dotted name, checks the syntax and returns the
// canonical spelling together with the nearest registered ancestor.
func (r *Registry) componentParent(name types.Endpoint) (types.Endpoint, *Endpoint, error) {
	s := string(name)
	if !strings.Contains(s, ".") {
		if !rootRe.MatchString(s) {
			return "", nil, fmt.Errorf("%w: %q", ErrInvalidName, s)
		}
		return "", nil, fmt.Errorf("%w: %s", ErrNotFound, s)
	}
	if !ValidComponentName(s) {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidName, s)
	}
	root, ok := r.entries[key(types.Endpoint(s).Root())]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrNotFound, s)
	}
	canon := types.Endpoint(string(root.Name) + s[strings.IndexByte(s, '.'):])

	parent := root
	for p := parentName(canon); p != root.Name; p = parentName(p) {
		if ep, ok := r.entries[key(p)]; ok {
			parent = ep
			break
		}
	}
	return canon, parent, nil
}

// checkNewName validates a name about to be registered and returns its
// canonical form. Must be called with mu held (or before the registry is
// shared).
func (r *Registry) checkNewName(name types.Endpoint) (types.Endpoint, error) {
	s := string(name)
	if !strings.Contains(s, ".") {
		if !rootRe.MatchString(s) {
			return "", fmt.Errorf("%w: %q", ErrInvalidName, s)
		}
		return name, nil
	}
	canon, _, err := r.componentParent(name)
	return canon, err
}

// fillDefaults completes class, parent and capabilities from the nearest
// registered ancestor.
func (r *Registry) fillDefaults(ep *Endpoint) error {
	if strings.Contains(string(ep.Name), ".") {
		_, parent, err := r.componentParent(ep.Name)
		if err != nil {
			return err
		}
		if ep.Parent == "" {
			ep.Parent = parent.Name
		}
		if ep.Class == "" {
			ep.Class = parent.Class
		}
		if ep.Capabilities == nil {
			ep.Capabilities = slices.Clone(parent.Capabilities)
		}
	}
	if ep.Parent != "" {
		p, ok := r.entries[key(ep.Parent)]
		if !ok {
			return fmt.Errorf("%w: parent %s of %s", ErrNotFound, ep.Parent, ep.Name)
		}
		ep.Parent = p.Name
	}
	if ep.Class == "" {
		ep.Class = ClassOperational
	}
	if !ep.Class.Valid() {
		return fmt.Errorf("endpoint: %s: unknown class %q", ep.Name, ep.Class)
	}
	return nil
}

func parentName(name types.Endpoint) types.Endpoint {
	if i := strings.LastIndexByte(string(name), '.'); i >= 0 {
		return name[:i]
	}
	return ""
}

func key(name types.Endpoint) string { return strings.ToLower(string(name)) }

// ─── Persistence ──────────────────────────────────────────────────────────────

// fileModel is the on-disk JSON structure.
type fileModel struct {
	Endpoints []*Endpoint `json:"endpoints"`
}

// load reads endpoints.json. If the file does not exist it is a no-op.
// An entry may name another runtime entry as its parent, so entries are
// admitted in passes until a pass admits nothing. Whatever still does not
// resolve is logged and skipped rather than failing startup.
func (r *Registry) load() error {
	data, err := os.ReadFile(r.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("endpoint: read %s: %w", r.filePath, err)
	}

	var m fileModel
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("endpoint: parse %s: %w", r.filePath, err)
	}

	pending := m.Endpoints
	errs := make(map[string]error)
	for len(pending) > 0 {
		var next []*Endpoint
		for _, ep := range pending {
			if _, exists := r.entries[key(ep.Name)]; exists {
				continue
			}
			if err := r.fillDefaults(ep); err != nil {
				errs[key(ep.Name)] = err
				next = append(next, ep)
				continue
			}
			delete(errs, key(ep.Name))
			ep.Origin = originRuntime
			r.entries[key(ep.Name)] = ep
		}
		if len(next) == len(pending) {
			break
		}
		pending = next
	}
	for _, ep := range pending {
		if err, ok := errs[key(ep.Name)]; ok {
			slog.Warn("endpoint: dropping persisted registration", "name", ep.Name, "error", err)
		}
	}
	return nil
}

// save writes the runtime registrations to disk atomically (write to temp
// file, rename). Must be called with mu held.
func (r *Registry) save() error {
	if r.filePath == "" {
		return nil
	}
	list := make([]*Endpoint, 0, len(r.entries))
	for _, ep := range r.entries {
		if ep.Origin == originRuntime {
			list = append(list, ep)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })

	data, err := json.MarshalIndent(fileModel{Endpoints: list}, "", "  ")
	if err != nil {
		return fmt.Errorf("endpoint: marshal: %w", err)
	}

	tmp := r.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("endpoint: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, r.filePath); err != nil {
		return fmt.Errorf("endpoint: rename to %s: %w", r.filePath, err)
	}
	return nil
}
