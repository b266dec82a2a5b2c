package lattice

import (
	"math"
	"time"
)

// RecordKind identifies the two record kinds held by the journal.
type RecordKind string

const (
	// RecordKindFeature is a geospatial feature record.
	RecordKindFeature RecordKind = "feature"
	// RecordKindPoint is a time-series point record.
	RecordKindPoint RecordKind = "point"
)

// BoundingBox is an axis-aligned rectangle approximating a geometry's extent.
type BoundingBox struct {
	MinX float64 `json:"min_x" yaml:"min_x"`
	MinY float64 `json:"min_y" yaml:"min_y"`
	MaxX float64 `json:"max_x" yaml:"max_x"`
	MaxY float64 `json:"max_y" yaml:"max_y"`
}

// Valid reports whether the box is well-formed: min <= max on both axes and
// every coordinate finite.
func (b BoundingBox) Valid() bool {
	for _, v := range [4]float64{b.MinX, b.MinY, b.MaxX, b.MaxY} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.MinX <= b.MaxX && b.MinY <= b.MaxY
}

// Intersects reports whether two boxes overlap. Touching edges count as an
// intersection.
func (b BoundingBox) Intersects(o BoundingBox) bool {
	return b.MinX <= o.MaxX && b.MaxX >= o.MinX &&
		b.MinY <= o.MaxY && b.MaxY >= o.MinY
}

// Contains reports whether the point (x, y) lies within the box, edges
// included.
func (b BoundingBox) Contains(x, y float64) bool {
	return x >= b.MinX && x <= b.MaxX && y >= b.MinY && y <= b.MaxY
}

// Area returns the box area.
func (b BoundingBox) Area() float64 {
	return (b.MaxX - b.MinX) * (b.MaxY - b.MinY)
}

// Union returns the minimal box covering both b and o.
func (b BoundingBox) Union(o BoundingBox) BoundingBox {
	return BoundingBox{
		MinX: math.Min(b.MinX, o.MinX),
		MinY: math.Min(b.MinY, o.MinY),
		MaxX: math.Max(b.MaxX, o.MaxX),
		MaxY: math.Max(b.MaxY, o.MaxY),
	}
}

// Enlargement returns the area growth needed for b to cover o.
func (b BoundingBox) Enlargement(o BoundingBox) float64 {
	return b.Union(o).Area() - b.Area()
}

// Feature is an indexed geospatial feature reference. Record content stays in
// the journal; the index holds the id and box only.
type Feature struct {
	ID       string      `json:"id"`
	Database string      `json:"database"`
	BBox     BoundingBox `json:"bbox"`
}

// TimePoint is an indexed time-series point reference.
type TimePoint struct {
	ID        string `json:"id"`
	Database  string `json:"database"`
	Series    string `json:"series"`
	Timestamp int64  `json:"timestamp"`
}

// Record is a full journal record, fetched by id on the read path. Exactly
// one of the feature fields (BBox) or the point fields (Series, Timestamp,
// Value) is meaningful depending on Kind.
type Record struct {
	ID        string            `json:"id"`
	Database  string            `json:"database"`
	Kind      RecordKind        `json:"kind"`
	BBox      *BoundingBox      `json:"bbox,omitempty"`
	Series    string            `json:"series,omitempty"`
	Timestamp int64             `json:"timestamp,omitempty"`
	Value     float64           `json:"value,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// QueryOrigin tags where a read-path result came from.
type QueryOrigin string

const (
	// OriginCache means the result was served from the result cache.
	OriginCache QueryOrigin = "cache"
	// OriginIndex means the result was computed from an index.
	OriginIndex QueryOrigin = "index"
	// OriginFallback means the result came from a journal full scan.
	OriginFallback QueryOrigin = "fallback"
)

// ChangeEvent is published to subscribers after every accepted write.
type ChangeEvent struct {
	Database    string            `json:"database"`
	Kind        RecordKind        `json:"kind"`
	FeatureID   string            `json:"feature_id,omitempty"`
	BBox        *BoundingBox      `json:"bbox,omitempty"`
	Series      string            `json:"series,omitempty"`
	PointID     string            `json:"point_id,omitempty"`
	Timestamp   int64             `json:"timestamp,omitempty"`
	Value       float64           `json:"value,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
	PublishedAt time.Time         `json:"published_at"`
}
