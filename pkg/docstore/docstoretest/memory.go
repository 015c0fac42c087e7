// Package docstoretest provides an in-memory docstore.Store.
package docstoretest

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/docstore"
)

// Memory keeps documents per db.collection; filters match on field equality.
type Memory struct {
	mu    sync.Mutex
	colls map[string][]map[string]any
	seq   int
}

var _ docstore.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{colls: map[string][]map[string]any{}}
}

func key(db, coll string) string { return db + "." + coll }

func (m *Memory) UpsertByID(_ context.Context, db, coll string, id any, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(db, coll)
	for _, doc := range m.colls[k] {
		if equal(doc["_id"], id) {
			for f, v := range clone(fields) {
				doc[f] = v
			}
			return nil
		}
	}
	doc := clone(fields)
	doc["_id"] = id
	m.colls[k] = append(m.colls[k], doc)
	return nil
}

func (m *Memory) SetFields(_ context.Context, db, coll string, filter, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, doc := range m.colls[key(db, coll)] {
		if matches(doc, filter) {
			for f, v := range clone(fields) {
				doc[f] = v
			}
		}
	}
	return nil
}

func (m *Memory) InsertMany(_ context.Context, db, coll string, docs []map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(db, coll)
	for _, d := range docs {
		doc := clone(d)
		if _, ok := doc["_id"]; !ok {
			m.seq++
			doc["_id"] = fmt.Sprintf("oid-%d", m.seq)
		}
		m.colls[k] = append(m.colls[k], doc)
	}
	return nil
}

func (m *Memory) Find(_ context.Context, db, coll string, filter map[string]any) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []map[string]any
	for _, doc := range m.colls[key(db, coll)] {
		if matches(doc, filter) {
			out = append(out, clone(doc))
		}
	}
	return out, nil
}

func (m *Memory) Count(ctx context.Context, db, coll string, filter map[string]any) (int64, error) {
	docs, _ := m.Find(ctx, db, coll, filter)
	return int64(len(docs)), nil
}

func (m *Memory) Drop(_ context.Context, db, coll string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.colls, key(db, coll))
	return nil
}

// Collections lists the non-empty collections, sorted.
func (m *Memory) Collections() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for k := range m.colls {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func matches(doc, filter map[string]any) bool {
	for f, want := range filter {
		if !equal(doc[f], want) {
			return false
		}
	}
	return true
}

func equal(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

// normalize runs values through JSON so ints and floats compare equal.
func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	_ = json.Unmarshal(raw, &out)
	return out
}

func clone(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
