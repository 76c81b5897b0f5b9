// Package state holds a path-addressed JSON document shared between
// contexts. Paths use gjson/sjson dot syntax, e.g. "user.profile.name".
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const logPrefix = "state:store"

// Listener is notified after every change. Path is empty for Reset and
// Merge of the whole document.
type Listener func(path string, value any)

// Store is a concurrency-safe JSON document.
type Store struct {
	mu  sync.RWMutex
	doc []byte

	lmu       sync.RWMutex
	listeners map[uint64]Listener
	nextID    uint64
}

// New creates an empty store.
func New() *Store {
	return &Store{doc: []byte("{}"), listeners: make(map[uint64]Listener)}
}

// Get returns the value at path. An empty path returns the whole document.
func (s *Store) Get(path string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if path == "" {
		return gjson.ParseBytes(s.doc).Value(), true
	}
	r := gjson.GetBytes(s.doc, path)
	if !r.Exists() {
		return nil, false
	}
	return r.Value(), true
}

// Set stores value at path, creating intermediate objects. An empty path
// replaces the document, which must then be a JSON object.
func (s *Store) Set(path string, value any) error {
	s.mu.Lock()
	if path == "" {
		raw, err := json.Marshal(value)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("%s - encode document: %w", logPrefix, err)
		}
		if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
			s.mu.Unlock()
			return fmt.Errorf("%s - document root must be an object", logPrefix)
		}
		s.doc = raw
	} else {
		doc, err := sjson.SetBytes(s.doc, path, value)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("%s - set %q: %w", logPrefix, path, err)
		}
		s.doc = doc
	}
	s.mu.Unlock()

	s.notify(path, value)
	return nil
}

// Delete removes path. Missing paths are not an error.
func (s *Store) Delete(path string) error {
	if path == "" {
		return fmt.Errorf("%s - delete needs a path", logPrefix)
	}
	s.mu.Lock()
	doc, err := sjson.DeleteBytes(s.doc, path)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%s - delete %q: %w", logPrefix, path, err)
	}
	s.doc = doc
	s.mu.Unlock()

	s.notify(path, nil)
	return nil
}

// Merge sets every top-level key of values, leaving other keys untouched.
func (s *Store) Merge(values map[string]any) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	s.mu.Lock()
	doc := s.doc
	for _, k := range keys {
		var err error
		doc, err = sjson.SetBytes(doc, escapeKey(k), values[k])
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("%s - merge %q: %w", logPrefix, k, err)
		}
	}
	s.doc = doc
	s.mu.Unlock()

	s.notify("", values)
	return nil
}

// Reset empties the document.
func (s *Store) Reset() {
	s.mu.Lock()
	s.doc = []byte("{}")
	s.mu.Unlock()
	s.notify("", nil)
}

// Snapshot returns a decoded copy of the document.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := map[string]any{}
	if err := json.Unmarshal(s.doc, &out); err != nil {
		slog.Error(fmt.Sprintf("%s - corrupt document: %v", logPrefix, err))
	}
	return out
}

// JSON returns the raw document.
func (s *Store) JSON() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]byte, len(s.doc))
	copy(out, s.doc)
	return out
}

// Subscribe registers l and returns a function that removes it.
func (s *Store) Subscribe(l Listener) func() {
	s.lmu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = l
	s.lmu.Unlock()

	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

func (s *Store) notify(path string, value any) {
	s.lmu.RLock()
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	ls := make([]Listener, len(ids))
	for i, id := range ids {
		ls[i] = s.listeners[id]
	}
	s.lmu.RUnlock()

	for _, l := range ls {
		call(l, path, value)
	}
}

func call(l Listener, path string, value any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - listener panicked on %q: %v", logPrefix, path, r))
		}
	}()
	l(path, value)
}

// escapeKey quotes sjson path syntax inside a literal key.
func escapeKey(k string) string {
	out := make([]byte, 0, len(k))
	for i := 0; i < len(k); i++ {
		switch k[i] {
		case '.', '*', '?', '|', '#', '@', '\\', ':':
			out = append(out, '\\')
		}
		out = append(out, k[i])
	}
	return string(out)
}
