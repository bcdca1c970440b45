// Package contextstore holds the per-execution shared state: a mutable map of
// named variables and a queryable memory log. A Store is exclusively owned by
// one execution; parallel branches work against isolated snapshots that are
// merged back in declaration order.
package contextstore

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryEntry is one record in the execution's memory log. Keys are unique
// within an execution; writing an existing key overwrites the value and
// refreshes CreatedAt instead of appending.
type MemoryEntry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Category  string    `json:"category,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type storedEntry struct {
	MemoryEntry
	seq int64
}

// Store is the variable map plus memory log for a single execution.
// All operations are safe for concurrent use, though within one execution
// only parallel branches ever touch separate snapshots concurrently.
type Store struct {
	mu       sync.RWMutex
	vars     map[string]string
	memories map[string]storedEntry
	seq      int64

	// Branch stores record their writes so the parent can replay them on
	// merge. nil for the root store.
	varWrites []string
	memWrites []string
	isBranch  bool
}

// New creates an empty root Store, optionally seeded with initial variables.
func New(initial map[string]string) *Store {
	s := &Store{
		vars:     make(map[string]string, len(initial)),
		memories: make(map[string]storedEntry),
	}
	for k, v := range initial {
		s.vars[k] = v
	}
	return s
}

// SetVariable writes a variable with last-writer-wins semantics. The write is
// visible to every subsequent read on this store.
func (s *Store) SetVariable(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isBranch && !s.recorded(s.varWrites, name) {
		s.varWrites = append(s.varWrites, name)
	}
	s.vars[name] = value
}

// GetVariable returns the value of a variable and whether it is set.
func (s *Store) GetVariable(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[name]
	return v, ok
}

// Variables returns a copy of the current variable map.
func (s *Store) Variables() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.vars))
	for k, v := range s.vars {
		out[k] = v
	}
	return out
}

// StoreMemory upserts a memory entry by key. CreatedAt is stamped here;
// overwriting an existing key refreshes it.
func (s *Store) StoreMemory(entry MemoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	entry.CreatedAt = time.Now().UTC()
	s.memories[entry.Key] = storedEntry{MemoryEntry: entry, seq: s.seq}
	if s.isBranch && !s.recorded(s.memWrites, entry.Key) {
		s.memWrites = append(s.memWrites, entry.Key)
	}
}

// SearchMemory returns entries whose key, value, or category contains the
// query substring (case-insensitive), most-recent-first. An empty query
// matches everything; a non-empty category restricts the match; limit <= 0
// means no limit.
func (s *Store) SearchMemory(query, category string, limit int) []MemoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := strings.ToLower(query)
	matched := make([]storedEntry, 0, len(s.memories))
	for _, e := range s.memories {
		if category != "" && e.Category != category {
			continue
		}
		if q != "" &&
			!strings.Contains(strings.ToLower(e.Key), q) &&
			!strings.Contains(strings.ToLower(e.Value), q) &&
			!strings.Contains(strings.ToLower(e.Category), q) {
			continue
		}
		matched = append(matched, e)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].seq > matched[j].seq })

	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]MemoryEntry, len(matched))
	for i, e := range matched {
		out[i] = e.MemoryEntry
	}
	return out
}

// Branch returns an isolated snapshot for one parallel child. The branch sees
// everything written to the parent so far; its own writes are staged locally
// and invisible to siblings until Merge.
func (s *Store) Branch() *Store {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b := &Store{
		vars:     make(map[string]string, len(s.vars)),
		memories: make(map[string]storedEntry, len(s.memories)),
		seq:      s.seq,
		isBranch: true,
	}
	for k, v := range s.vars {
		b.vars[k] = v
	}
	for k, v := range s.memories {
		b.memories[k] = v
	}
	return b
}

// Merge replays a branch's staged writes into this store in the order the
// branch made them. Calling Merge for siblings in declaration order makes the
// combined result deterministic regardless of completion timing: a later
// sibling's write to the same variable name wins.
func (s *Store) Merge(branch *Store) {
	branch.mu.RLock()
	varWrites := branch.varWrites
	memWrites := branch.memWrites
	vars := branch.vars
	mems := branch.memories
	branch.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range varWrites {
		s.vars[name] = vars[name]
	}
	for _, key := range memWrites {
		e := mems[key]
		s.seq++
		e.seq = s.seq
		s.memories[key] = e
	}
}

func (s *Store) recorded(list []string, name string) bool {
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}
