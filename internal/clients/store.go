// Package clients manages the set of school IDs marked as clients,
// persisted as a sorted JSON array next to the dataset.
package clients

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Store holds the client school IDs. Like the cache, it is owned by a
// single goroutine and has an explicit load/save lifecycle.
type Store struct {
	path string
	ids  map[string]struct{}
}

// Open loads the client file at path. A missing file yields an empty set.
func Open(path string) (*Store, error) {
	store := &Store{path: path, ids: make(map[string]struct{})}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, fmt.Errorf("failed to read client file %q: %w", path, err)
	}

	var ids []string
	if err = json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("failed to parse client file %q: %w", path, err)
	}
	for _, id := range ids {
		store.ids[id] = struct{}{}
	}
	return store, nil
}

// Contains reports whether the school ID is marked as a client.
func (s *Store) Contains(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// Add marks a school ID as a client. It reports whether the set changed.
func (s *Store) Add(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

// Remove unmarks a school ID. It reports whether the set changed.
func (s *Store) Remove(id string) bool {
	if _, ok := s.ids[id]; !ok {
		return false
	}
	delete(s.ids, id)
	return true
}

// IDs returns the client IDs in sorted order.
func (s *Store) IDs() []string {
	ids := make([]string, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of client schools.
func (s *Store) Len() int {
	return len(s.ids)
}

// Save writes the client set to disk as an indented, sorted JSON array.
func (s *Store) Save() error {
	data, err := json.MarshalIndent(s.IDs(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode client list: %w", err)
	}
	if err = os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write client file %q: %w", s.path, err)
	}
	return nil
}
