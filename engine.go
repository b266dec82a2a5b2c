package lattice

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Cache is the result cache consumed by the engine. ResultCache is the
// in-process implementation; the interface exists so the invalidation
// failure path stays testable.
type Cache interface {
	Get(key string) ([]byte, bool)
	Put(db, key string, payload []byte)
	Invalidate(key string)
	InvalidateDB(db string) (int, error)
	Clear()
	Stats() CacheStats
	Start()
	Stop()
}

// Engine binds the spatial index, temporal index, result cache and
// subscriber fan-out in front of an append-only journal. All index and cache
// state is process-lifetime only and fully reconstructible by replaying a
// database's journal.
type Engine struct {
	config   Config
	journal  Journal
	spatial  *SpatialIndex
	temporal *TemporalIndex
	cache    Cache
	hub      *Hub
	codec    resultCodec

	mu     sync.RWMutex
	closed bool
}

// NewEngine creates an engine over journal. Call Start before use and Stop
// when done.
func NewEngine(journal Journal, config Config) *Engine {
	config = config.withDefaults()
	return &Engine{
		config:   config,
		journal:  journal,
		spatial:  NewSpatialIndex(config.Spatial),
		temporal: NewTemporalIndex(config.Temporal),
		cache:    NewResultCache(config.Cache),
		hub:      NewHub(config.Stream),
		codec:    resultCodec{compress: config.Cache.Compression},
	}
}

// Start launches background work (the cache TTL sweep).
func (e *Engine) Start() {
	e.cache.Start()
}

// Stop terminates background work. The engine rejects further operations.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cache.Stop()
}

func (e *Engine) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// ========== Index management ==========

// CreateSpatialIndex creates the bounding-box tree for db.
func (e *Engine) CreateSpatialIndex(db string) error {
	return e.spatial.CreateIndex(db)
}

// DropSpatialIndex discards db's bounding-box tree. Idempotent.
func (e *Engine) DropSpatialIndex(db string) {
	e.spatial.DropIndex(db)
}

// CreateSeriesIndex creates the ordered index for (db, series).
func (e *Engine) CreateSeriesIndex(db, series string) error {
	return e.temporal.CreateIndex(db, series)
}

// DropSeriesIndex discards the ordered index for (db, series). Idempotent.
func (e *Engine) DropSeriesIndex(db, series string) {
	e.temporal.DropIndex(db, series)
}

// DropDatabase discards all index and cache state for db. The journal is
// untouched; state can be rebuilt by replay.
func (e *Engine) DropDatabase(db string) {
	e.spatial.DropIndex(db)
	e.temporal.DropDatabase(db)
	e.invalidateDB(db)
}

// ========== Write path ==========

// OnInsertFeature runs the write-path sequence for an accepted feature
// insert: index update, cache invalidation, event publish — synchronous and
// in that fixed order. An index update failure is logged and recovered by
// the read path's fallback scan; cache invalidation is never skipped.
func (e *Engine) OnInsertFeature(db, featureID string, bbox BoundingBox, rec Record) error {
	if e.isClosed() {
		return ErrClosed
	}
	if !bbox.Valid() {
		return ErrInvalidBoundingBox
	}

	if err := e.spatial.Insert(db, featureID, bbox); err != nil {
		slog.Warn("spatial index update failed, fallback scan will cover reads",
			"db", db, "feature", featureID, "err", err)
	}

	e.invalidateDB(db)

	e.hub.Publish(ChangeEvent{
		Database:    db,
		Kind:        RecordKindFeature,
		FeatureID:   featureID,
		BBox:        &bbox,
		Meta:        rec.Fields,
		PublishedAt: time.Now(),
	})
	return nil
}

// OnInsertPoint runs the write-path sequence for an accepted time-series
// point insert.
func (e *Engine) OnInsertPoint(db, series, pointID string, ts int64, rec Record) error {
	if e.isClosed() {
		return ErrClosed
	}

	if err := e.temporal.Insert(db, series, pointID, ts); err != nil {
		slog.Warn("temporal index update failed, fallback scan will cover reads",
			"db", db, "series", series, "point", pointID, "err", err)
	}

	e.invalidateDB(db)

	e.hub.Publish(ChangeEvent{
		Database:    db,
		Kind:        RecordKindPoint,
		Series:      series,
		PointID:     pointID,
		Timestamp:   ts,
		Value:       rec.Value,
		Meta:        rec.Fields,
		PublishedAt: time.Now(),
	})
	return nil
}

// invalidateDB drops db's cached results. A failure is not absorbed
// silently: the whole cache is cleared rather than risking indefinite
// staleness.
func (e *Engine) invalidateDB(db string) {
	if _, err := e.cache.InvalidateDB(db); err != nil {
		slog.Error("cache invalidation failed, clearing entire cache", "db", db, "err", err)
		e.cache.Clear()
	}
}

// DeleteFeature removes a feature from db's spatial index and drops the
// database's cached results so reads stop serving it from cache.
func (e *Engine) DeleteFeature(db, featureID string) error {
	if e.isClosed() {
		return ErrClosed
	}
	if err := e.spatial.Delete(db, featureID); err != nil {
		return err
	}
	e.invalidateDB(db)
	return nil
}

// DeletePoint removes the exact (ts, pointID) key from the series index and
// drops the database's cached results.
func (e *Engine) DeletePoint(db, series, pointID string, ts int64) error {
	if e.isClosed() {
		return ErrClosed
	}
	if err := e.temporal.Delete(db, series, pointID, ts); err != nil {
		return err
	}
	e.invalidateDB(db)
	return nil
}

// ========== Read path ==========

// QueryBBox returns the records whose box intersects bbox, with the origin
// the result was served from. Index absence is resolved internally by a
// journal full scan and never surfaces to the caller.
func (e *Engine) QueryBBox(ctx context.Context, db string, bbox BoundingBox, limit int) ([]Record, QueryOrigin, error) {
	if e.isClosed() {
		return nil, "", ErrClosed
	}
	if !bbox.Valid() {
		return nil, "", ErrInvalidBoundingBox
	}

	key := QueryKey(db, "bbox", map[string]string{
		"min_x": formatCoord(bbox.MinX),
		"min_y": formatCoord(bbox.MinY),
		"max_x": formatCoord(bbox.MaxX),
		"max_y": formatCoord(bbox.MaxY),
		"limit": formatLimit(limit),
	})

	if records, ok := e.cacheGet(db, key); ok {
		return records, OriginCache, nil
	}

	var (
		records []Record
		origin  QueryOrigin
	)
	ids, err := e.spatial.Query(db, bbox)
	switch {
	case err == nil:
		records, err = e.journal.FetchByIDs(ctx, db, ids)
		if err != nil {
			return nil, "", err
		}
		origin = OriginIndex
	case errors.Is(err, ErrIndexNotFound):
		records, err = e.journal.FullScanBBox(ctx, db, bbox)
		if err != nil {
			return nil, "", err
		}
		origin = OriginFallback
	default:
		return nil, "", err
	}

	records = truncate(records, limit)
	e.cachePut(db, key, records)
	return records, origin, nil
}

// QueryTimeSeries returns the points of series with start <= ts <= end in
// ascending (ts, id) order, capped at limit when limit > 0.
func (e *Engine) QueryTimeSeries(ctx context.Context, db, series string, start, end int64, limit int) ([]Record, QueryOrigin, error) {
	if e.isClosed() {
		return nil, "", ErrClosed
	}
	if start > end {
		return nil, "", ErrInvalidRange
	}

	key := QueryKey(db, "timeseries", map[string]string{
		"series": series,
		"start":  formatTimestamp(start),
		"end":    formatTimestamp(end),
		"limit":  formatLimit(limit),
	})

	if records, ok := e.cacheGet(db, key); ok {
		return records, OriginCache, nil
	}

	var (
		records []Record
		origin  QueryOrigin
	)
	ids, err := e.temporal.RangeQuery(db, series, start, end, limit)
	switch {
	case err == nil:
		records, err = e.journal.FetchByIDs(ctx, db, ids)
		if err != nil {
			return nil, "", err
		}
		origin = OriginIndex
	case errors.Is(err, ErrIndexNotFound):
		records, err = e.journal.FullScanTimeSeries(ctx, db, series, start, end)
		if err != nil {
			return nil, "", err
		}
		records = truncate(records, limit)
		origin = OriginFallback
	default:
		return nil, "", err
	}

	e.cachePut(db, key, records)
	return records, origin, nil
}

func (e *Engine) cacheGet(db, key string) ([]Record, bool) {
	payload, ok := e.cache.Get(key)
	if !ok {
		return nil, false
	}
	records, err := e.codec.decode(payload)
	if err != nil {
		slog.Warn("dropping undecodable cache entry", "db", db, "err", err)
		e.cache.Invalidate(key)
		return nil, false
	}
	return records, true
}

func (e *Engine) cachePut(db, key string, records []Record) {
	payload, err := e.codec.encode(records)
	if err != nil {
		slog.Warn("skipping cache fill, result not encodable", "db", db, "err", err)
		return
	}
	e.cache.Put(db, key, payload)
}

func truncate(records []Record, limit int) []Record {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}

// ========== Subscriptions ==========

// Subscribe registers a change-event subscription on db.
func (e *Engine) Subscribe(db string, filter EventFilter) *Subscription {
	return e.hub.Subscribe(db, filter)
}

// Unsubscribe removes a subscription by id.
func (e *Engine) Unsubscribe(id string) {
	e.hub.Unsubscribe(id)
}

// Hub returns the fan-out hub, e.g. for wiring a transport adapter.
func (e *Engine) Hub() *Hub {
	return e.hub
}

// ========== Observability ==========

// EngineStats aggregates component statistics.
type EngineStats struct {
	Cache         CacheStats `json:"cache"`
	Subscriptions int        `json:"subscriptions"`
}

// Stats returns engine statistics.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Cache:         e.cache.Stats(),
		Subscriptions: e.hub.Count(),
	}
}
