package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/JakeFAU/convograph-crawler/internal/crawler"
)

// DocumentStore provides an in-memory document store for development/testing. It mirrors the
// semantics of the mongo store: a unique id per collection, set-semantics pushes, and filters
// on boolean flags and numeric counters.
type DocumentStore struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

type collection struct {
	order []string
	docs  map[string]crawler.Document
}

// NewDocumentStore constructs a DocumentStore.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{collections: make(map[string]*collection)}
}

func (s *DocumentStore) coll(name string) *collection {
	c, ok := s.collections[name]
	if !ok {
		c = &collection{docs: make(map[string]crawler.Document)}
		s.collections[name] = c
	}
	return c
}

// InsertMany stores copies of docs, skipping ids that already exist.
func (s *DocumentStore) InsertMany(_ context.Context, name string, docs []crawler.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range docs {
		if doc.ID() == "" {
			return errors.New("document without id")
		}
	}
	c := s.coll(name)
	dups := 0
	for _, doc := range docs {
		id := doc.ID()
		if _, exists := c.docs[id]; exists {
			dups++
			continue
		}
		c.docs[id] = doc.Clone()
		c.order = append(c.order, id)
	}
	if dups > 0 {
		return fmt.Errorf("insert into %s: %d of %d: %w", name, dups, len(docs), crawler.ErrDuplicate)
	}
	return nil
}

// FindOne returns the first matching document or crawler.ErrNotFound.
func (s *DocumentStore) FindOne(_ context.Context, name string, filter crawler.Filter) (crawler.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok {
		return nil, crawler.ErrNotFound
	}
	if filter.ID != "" {
		doc, ok := c.docs[filter.ID]
		if !ok || !matches(doc, filter) {
			return nil, crawler.ErrNotFound
		}
		return project(doc, filter.Projection), nil
	}
	for _, id := range c.order {
		if doc := c.docs[id]; matches(doc, filter) {
			return project(doc, filter.Projection), nil
		}
	}
	return nil, crawler.ErrNotFound
}

// Find returns every matching document in insertion order.
func (s *DocumentStore) Find(_ context.Context, name string, filter crawler.Filter) ([]crawler.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok {
		return nil, nil
	}
	var out []crawler.Document
	for _, id := range c.order {
		if doc := c.docs[id]; matches(doc, filter) {
			out = append(out, project(doc, filter.Projection))
		}
	}
	return out, nil
}

// UpdateSet assigns fields on the document with id. Dotted keys address nested objects.
func (s *DocumentStore) UpdateSet(_ context.Context, name, id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.lookup(name, id)
	if err != nil {
		return err
	}
	for k, v := range fields {
		setPath(doc, k, v)
	}
	return nil
}

// PushUnique appends value to the array field unless it is already present.
func (s *DocumentStore) PushUnique(_ context.Context, name, id, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.lookup(name, id)
	if err != nil {
		return err
	}
	var arr []any
	switch cur := doc[field].(type) {
	case nil:
	case []any:
		arr = cur
	case []string:
		for _, v := range cur {
			arr = append(arr, v)
		}
	default:
		return fmt.Errorf("push to %s.%s: field is %T, not an array", name, field, cur)
	}
	if slices.Contains(arr, any(value)) {
		return nil
	}
	doc[field] = append(arr, value)
	return nil
}

// Count returns the number of documents in a collection.
func (s *DocumentStore) Count(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.collections[name]; ok {
		return len(c.docs)
	}
	return 0
}

func (s *DocumentStore) lookup(name, id string) (crawler.Document, error) {
	c, ok := s.collections[name]
	if !ok {
		return nil, crawler.ErrNotFound
	}
	doc, ok := c.docs[id]
	if !ok {
		return nil, crawler.ErrNotFound
	}
	return doc, nil
}

func matches(doc crawler.Document, f crawler.Filter) bool {
	if f.ID != "" && doc.ID() != f.ID {
		return false
	}
	if f.Unset != "" {
		v, present := doc.Bool(f.Unset)
		if !present || v {
			return false
		}
	}
	if f.Counter != "" && f.Match != crawler.CounterAny {
		raw, ok := doc.Lookup(f.Counter)
		if !ok || raw == nil {
			return false
		}
		n := doc.Int(f.Counter)
		switch f.Match {
		case crawler.CounterPositive:
			if n <= 0 {
				return false
			}
		case crawler.CounterZero:
			if n != 0 {
				return false
			}
		}
	}
	return true
}

func project(doc crawler.Document, fields []string) crawler.Document {
	if len(fields) == 0 {
		return doc.Clone()
	}
	out := crawler.Document{"id": doc.ID()}
	for _, f := range fields {
		if v, ok := doc.Lookup(f); ok {
			setPath(out, f, v)
		}
	}
	return out.Clone()
}

func setPath(doc crawler.Document, path string, v any) {
	cur := map[string]any(doc)
	parts := strings.Split(path, ".")
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			if d, isDoc := cur[p].(crawler.Document); isDoc {
				next = d
			} else {
				next = make(map[string]any)
				cur[p] = next
			}
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}
