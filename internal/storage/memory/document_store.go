package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/landsat-ingest/internal/ingest"
)

// DocumentStore keeps JSON documents per collection. Documents are stored as
// encoded JSON so callers never share maps with the store.
type DocumentStore struct {
	mu   sync.RWMutex
	docs map[string]map[string][]byte
}

// NewDocumentStore constructs a DocumentStore.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{docs: make(map[string]map[string][]byte)}
}

// Upsert inserts or overwrites the document keyed by collection and id.
func (s *DocumentStore) Upsert(_ context.Context, collection, id string, doc map[string]any) error {
	if collection == "" || id == "" {
		return fmt.Errorf("collection and id are required")
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %s/%s: %w", collection, id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.docs[collection] == nil {
		s.docs[collection] = make(map[string][]byte)
	}
	s.docs[collection][id] = raw
	return nil
}

// Get returns the document or ingest.ErrNotFound.
func (s *DocumentStore) Get(_ context.Context, collection, id string) (map[string]any, error) {
	s.mu.RLock()
	raw, ok := s.docs[collection][id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, ingest.ErrNotFound)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

// IDs lists document ids in a collection, sorted.
func (s *DocumentStore) IDs(collection string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.docs[collection]))
	for id := range s.docs[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of documents in a collection.
func (s *DocumentStore) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs[collection])
}
