package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Memory is an in-process Store used by tests and by deployments that accept
// losing state on restart. Documents are normalized through JSON so that
// matching behaves identically to the Postgres implementation.
type Memory struct {
	mu          sync.RWMutex
	collections map[string][]map[string]any
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string][]map[string]any)}
}

func (m *Memory) Insert(_ context.Context, collection string, doc any) error {
	normalized, err := normalize(doc)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[collection] = append(m.collections[collection], normalized)
	return nil
}

func (m *Memory) FindOne(_ context.Context, collection string, filter Filter, out any) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, doc := range m.collections[collection] {
		if matches(doc, filter) {
			return decode(doc, out)
		}
	}
	return ErrNotFound
}

func (m *Memory) FindAll(_ context.Context, collection string, filter Filter, out any) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	found := make([]map[string]any, 0)
	for _, doc := range m.collections[collection] {
		if matches(doc, filter) {
			found = append(found, doc)
		}
	}
	return decode(found, out)
}

func (m *Memory) Replace(_ context.Context, collection string, filter Filter, doc any) error {
	normalized, err := normalize(doc)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	docs := m.collections[collection]
	for i, existing := range docs {
		if matches(existing, filter) {
			docs[i] = normalized
			return nil
		}
	}
	m.collections[collection] = append(docs, normalized)
	return nil
}

func (m *Memory) UpdateFields(_ context.Context, collection string, filter Filter, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, doc := range m.collections[collection] {
		if !matches(doc, filter) {
			continue
		}
		for path, value := range fields {
			normalized, err := normalizeValue(value)
			if err != nil {
				return err
			}
			setPath(doc, path, normalized)
		}
	}
	return nil
}

func (m *Memory) MaxID(_ context.Context, collection string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	maxID := int64(-1)
	for _, doc := range m.collections[collection] {
		raw, ok := doc["id"]
		if !ok {
			continue
		}
		num, ok := raw.(json.Number)
		if !ok {
			continue
		}
		id, err := num.Int64()
		if err != nil {
			continue
		}
		if id > maxID {
			maxID = id
		}
	}
	return maxID, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() {}

// Count returns the number of documents matching filter; test helper.
func (m *Memory) Count(collection string, filter Filter) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, doc := range m.collections[collection] {
		if matches(doc, filter) {
			n++
		}
	}
	return n
}

func normalize(doc any) (map[string]any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	out := make(map[string]any)
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("normalize document: %w", err)
	}
	return out, nil
}

func normalizeValue(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode field value: %w", err)
	}
	var out any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("normalize field value: %w", err)
	}
	return out, nil
}

func decode(doc any, out any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

func matches(doc map[string]any, filter Filter) bool {
	for path, want := range filter {
		got, ok := lookupPath(doc, path)
		if neg, isNot := want.(Not); isNot {
			if ok && equalJSON(got, neg.Value) {
				return false
			}
			continue
		}
		if !ok || !equalJSON(got, want) {
			return false
		}
	}
	return true
}

func lookupPath(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = doc
	for _, part := range parts {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func setPath(doc map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	current := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

// equalJSON compares a normalized document value against a raw filter value
// by passing both through JSON encoding.
func equalJSON(got, want any) bool {
	gotRaw, err := json.Marshal(got)
	if err != nil {
		return false
	}
	wantNorm, err := normalizeValue(want)
	if err != nil {
		return false
	}
	wantRaw, err := json.Marshal(wantNorm)
	if err != nil {
		return false
	}
	return string(gotRaw) == string(wantRaw)
}
