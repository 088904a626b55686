// Package aclstore implements allow/deny IPv4 address sets guarded by an
// active-list switch: at any moment exactly one of the two sets governs
// admission, and an operator can flip which one is live.
package aclstore

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
)

// Mode names which set currently governs admission.
type Mode int

const (
	// AllowList admits only addresses present in the allow set.
	AllowList Mode = iota
	// DenyList admits every address except those present in the deny set.
	DenyList
)

// String renders the mode the way the operator console and SHOW_CONFIG
// print it.
func (m Mode) String() string {
	if m == DenyList {
		return "DENY_LIST"
	}

	return "ALLOW_LIST"
}

// Store holds the allow set, the deny set, and which of the two is
// currently active. All methods are safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	active Mode
	allow  map[string]struct{}
	deny   map[string]struct{}

	allowPath string
	denyPath  string
}

// New builds an empty store with the given active mode and the file
// names used by Save/Load (resolved against a directory at call time).
func New(active Mode, allowFileName, denyFileName string) *Store {
	return &Store{
		active:    active,
		allow:     make(map[string]struct{}),
		deny:      make(map[string]struct{}),
		allowPath: allowFileName,
		denyPath:  denyFileName,
	}
}

// Switch flips the active list (allow <-> deny) and returns the new mode.
func (s *Store) Switch() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == AllowList {
		s.active = DenyList
	} else {
		s.active = AllowList
	}

	return s.active
}

// Active reports the currently governing mode.
func (s *Store) Active() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.active
}

// Add inserts ip into the named mode's set. Any mode other than DenyList
// selects the allow set.
func (s *Store) Add(m Mode, ip net.IP) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setFor(m)[ip.String()] = struct{}{}
}

// Remove deletes ip from the named mode's set, a no-op if absent.
func (s *Store) Remove(m Mode, ip net.IP) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.setFor(m), ip.String())
}

// List returns a snapshot of every address currently in the named mode's
// set.
func (s *Store) List(m Mode) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.setFor(m)
	out := make([]string, 0, len(set))

	for ip := range set {
		out = append(out, ip)
	}

	return out
}

// setFor must be called with s.mu held.
func (s *Store) setFor(m Mode) map[string]struct{} {
	if m == DenyList {
		return s.deny
	}

	return s.allow
}

// Admit reports whether ip is allowed to connect under the currently
// active mode: under AllowList, ip must be present in the allow set;
// under DenyList, ip must be absent from the deny set.
func (s *Store) Admit(ip net.IP) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := ip.String()

	switch s.active {
	case DenyList:
		_, denied := s.deny[key]

		return !denied
	default:
		_, allowed := s.allow[key]

		return allowed
	}
}

// Save persists both sets as JSON files named allowFileName/denyFileName
// under dir, overwriting any existing files.
func (s *Store) Save(dir string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := saveSet(filepath.Join(dir, s.allowPath), s.allow); err != nil {
		return err
	}

	return saveSet(filepath.Join(dir, s.denyPath), s.deny)
}

// Load replaces both in-memory sets with the contents of the JSON files
// named allowFileName/denyFileName under dir. A missing file is treated
// as an empty set rather than an error, matching the original's
// load-or-default behavior.
func (s *Store) Load(dir string) error {
	allow, err := loadSet(filepath.Join(dir, s.allowPath))
	if err != nil {
		return err
	}

	deny, err := loadSet(filepath.Join(dir, s.denyPath))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.allow = allow
	s.deny = deny

	return nil
}

func saveSet(path string, set map[string]struct{}) error {
	addrs := make([]string, 0, len(set))
	for a := range set {
		addrs = append(addrs, a)
	}

	data, err := json.Marshal(addrs)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}

func loadSet(path string) (map[string]struct{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]struct{}), nil
		}

		return nil, err
	}

	var addrs []string
	if err := json.Unmarshal(data, &addrs); err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		set[a] = struct{}{}
	}

	return set, nil
}
