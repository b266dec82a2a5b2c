package lattice

import (
	"sync"
)

// TemporalConfig configures the temporal index manager.
type TemporalConfig struct {
	// Degree is the B-tree order for per-series indexes.
	Degree int `yaml:"degree"`
}

// DefaultTemporalConfig returns default temporal index configuration.
func DefaultTemporalConfig() TemporalConfig {
	return TemporalConfig{Degree: 8}
}

type seriesKey struct {
	db     string
	series string
}

// seriesIndex is one ordered structure for a (database, series) pair.
// Its mutex serializes mutations; reads take the read lock and observe a
// sorted, consistent snapshot.
type seriesIndex struct {
	mu   sync.RWMutex
	tree *timeBTree
}

// TemporalIndex manages one ordered range index per (database, series).
type TemporalIndex struct {
	degree  int
	mu      sync.RWMutex
	indexes map[seriesKey]*seriesIndex
}

// NewTemporalIndex creates a temporal index manager.
func NewTemporalIndex(cfg TemporalConfig) *TemporalIndex {
	if cfg.Degree < 3 {
		cfg.Degree = DefaultTemporalConfig().Degree
	}
	return &TemporalIndex{
		degree:  cfg.Degree,
		indexes: make(map[seriesKey]*seriesIndex),
	}
}

// CreateIndex creates an empty ordered structure for (db, series).
func (t *TemporalIndex) CreateIndex(db, series string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := seriesKey{db: db, series: series}
	if _, ok := t.indexes[key]; ok {
		return newIndexError(IndexOpCreate, db, series, ErrAlreadyExists)
	}
	t.indexes[key] = &seriesIndex{tree: newTimeBTree(t.degree)}
	return nil
}

// DropIndex discards the index for (db, series). Idempotent.
func (t *TemporalIndex) DropIndex(db, series string) {
	t.mu.Lock()
	delete(t.indexes, seriesKey{db: db, series: series})
	t.mu.Unlock()
}

// DropDatabase discards every series index belonging to db.
func (t *TemporalIndex) DropDatabase(db string) {
	t.mu.Lock()
	for key := range t.indexes {
		if key.db == db {
			delete(t.indexes, key)
		}
	}
	t.mu.Unlock()
}

// HasIndex reports whether an index exists for (db, series).
func (t *TemporalIndex) HasIndex(db, series string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.indexes[seriesKey{db: db, series: series}]
	return ok
}

func (t *TemporalIndex) index(db, series string) (*seriesIndex, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	si, ok := t.indexes[seriesKey{db: db, series: series}]
	return si, ok
}

// Insert adds a point under the (ts, pointID) ordering key in O(log n).
func (t *TemporalIndex) Insert(db, series, pointID string, ts int64) error {
	si, ok := t.index(db, series)
	if !ok {
		return newIndexError(IndexOpInsert, db, series, ErrIndexNotFound)
	}
	si.mu.Lock()
	si.tree.insert(pointKey{ts: ts, id: pointID})
	si.mu.Unlock()
	return nil
}

// RangeQuery returns point ids with start <= ts <= end in ascending
// (ts, pointID) order, capped at limit when limit > 0.
func (t *TemporalIndex) RangeQuery(db, series string, start, end int64, limit int) ([]string, error) {
	if start > end {
		return nil, newIndexError(IndexOpQuery, db, series, ErrInvalidRange)
	}
	si, ok := t.index(db, series)
	if !ok {
		return nil, newIndexError(IndexOpQuery, db, series, ErrIndexNotFound)
	}

	si.mu.RLock()
	keys := si.tree.rangeKeys(pointKey{ts: start, id: ""}, end, limit)
	si.mu.RUnlock()

	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = k.id
	}
	return ids, nil
}

// Delete removes the exact (ts, pointID) key.
func (t *TemporalIndex) Delete(db, series, pointID string, ts int64) error {
	si, ok := t.index(db, series)
	if !ok {
		return newIndexError(IndexOpDelete, db, series, ErrNotFound)
	}
	si.mu.Lock()
	removed := si.tree.remove(pointKey{ts: ts, id: pointID})
	si.mu.Unlock()
	if !removed {
		return newIndexError(IndexOpDelete, db, series, ErrNotFound)
	}
	return nil
}

// Size returns the number of points indexed for (db, series).
func (t *TemporalIndex) Size(db, series string) int {
	si, ok := t.index(db, series)
	if !ok {
		return 0
	}
	si.mu.RLock()
	defer si.mu.RUnlock()
	return si.tree.count()
}
