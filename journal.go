package lattice

import (
	"context"
	"sort"
	"sync"
)

// Journal is the append-only record store the engine sits in front of. It
// remains the sole owner and source of truth for record content; the engine
// references records by id only.
//
// FullScanTimeSeries implementations must return records in ascending
// (timestamp, id) order; FetchByIDs must preserve the id order given.
type Journal interface {
	FetchByIDs(ctx context.Context, db string, ids []string) ([]Record, error)
	FullScanBBox(ctx context.Context, db string, bbox BoundingBox) ([]Record, error)
	FullScanTimeSeries(ctx context.Context, db, series string, start, end int64) ([]Record, error)
}

// MemoryJournal is an in-memory append-only Journal for tests and
// embedding. Records are never mutated after append.
type MemoryJournal struct {
	mu      sync.RWMutex
	records map[string][]Record          // db -> append order
	byID    map[string]map[string]Record // db -> id -> record
}

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		records: make(map[string][]Record),
		byID:    make(map[string]map[string]Record),
	}
}

// AppendFeature appends a geospatial feature record.
func (j *MemoryJournal) AppendFeature(db, id string, bbox BoundingBox, fields map[string]string) Record {
	rec := Record{
		ID:       id,
		Database: db,
		Kind:     RecordKindFeature,
		BBox:     &bbox,
		Fields:   fields,
	}
	j.append(db, rec)
	return rec
}

// AppendPoint appends a time-series point record.
func (j *MemoryJournal) AppendPoint(db, series, id string, ts int64, value float64, fields map[string]string) Record {
	rec := Record{
		ID:        id,
		Database:  db,
		Kind:      RecordKindPoint,
		Series:    series,
		Timestamp: ts,
		Value:     value,
		Fields:    fields,
	}
	j.append(db, rec)
	return rec
}

func (j *MemoryJournal) append(db string, rec Record) {
	j.mu.Lock()
	j.records[db] = append(j.records[db], rec)
	ids := j.byID[db]
	if ids == nil {
		ids = make(map[string]Record)
		j.byID[db] = ids
	}
	ids[rec.ID] = rec
	j.mu.Unlock()
}

// FetchByIDs returns the full records for ids, in the order given. Unknown
// ids are skipped.
func (j *MemoryJournal) FetchByIDs(_ context.Context, db string, ids []string) ([]Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	known := j.byID[db]
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := known[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// FullScanBBox scans every feature record in db for box intersection.
func (j *MemoryJournal) FullScanBBox(_ context.Context, db string, bbox BoundingBox) ([]Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []Record
	for _, rec := range j.records[db] {
		if rec.Kind != RecordKindFeature || rec.BBox == nil {
			continue
		}
		if rec.BBox.Intersects(bbox) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// FullScanTimeSeries scans every point record of series in db for the time
// range, returned in ascending (timestamp, id) order.
func (j *MemoryJournal) FullScanTimeSeries(_ context.Context, db, series string, start, end int64) ([]Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []Record
	for _, rec := range j.records[db] {
		if rec.Kind != RecordKindPoint || rec.Series != series {
			continue
		}
		if rec.Timestamp >= start && rec.Timestamp <= end {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Timestamp != out[b].Timestamp {
			return out[a].Timestamp < out[b].Timestamp
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

// Len returns the number of records appended for db.
func (j *MemoryJournal) Len(db string) int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.records[db])
}
