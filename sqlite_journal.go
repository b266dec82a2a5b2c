package lattice

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteJournalConfig configures the SQLite-backed journal.
type SQLiteJournalConfig struct {
	// Path to the SQLite database file.
	Path string `yaml:"path"`

	// CacheSize is the SQLite page cache size in KB.
	CacheSize int `yaml:"cache_size"`

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, ...).
	JournalMode string `yaml:"journal_mode"`

	// BusyTimeout is the lock acquisition timeout in milliseconds.
	BusyTimeout int `yaml:"busy_timeout"`

	// MaxConnections is the max number of database connections.
	MaxConnections int `yaml:"max_connections"`
}

// DefaultSQLiteJournalConfig returns default configuration.
func DefaultSQLiteJournalConfig(path string) SQLiteJournalConfig {
	return SQLiteJournalConfig{
		Path:           path,
		CacheSize:      2000,
		JournalMode:    "WAL",
		BusyTimeout:    5000,
		MaxConnections: 10,
	}
}

// SQLiteJournal is a Journal backed by a single SQLite records table, so
// journal contents stay inspectable with standard SQLite tooling. Appends
// only insert; rows are never updated.
type SQLiteJournal struct {
	db     *sql.DB
	config SQLiteJournalConfig

	mu     sync.RWMutex
	closed bool

	insertStmt *sql.Stmt
	selectStmt *sql.Stmt
}

// NewSQLiteJournal opens (creating if needed) a SQLite journal at cfg.Path.
func NewSQLiteJournal(cfg SQLiteJournalConfig) (*SQLiteJournal, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite journal: path required")
	}
	def := DefaultSQLiteJournalConfig(cfg.Path)
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = def.JournalMode
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = def.BusyTimeout
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlite journal: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)

	pragmas := []string{
		fmt.Sprintf("PRAGMA journal_mode=%s", cfg.JournalMode),
		fmt.Sprintf("PRAGMA cache_size=-%d", cfg.CacheSize),
		fmt.Sprintf("PRAGMA busy_timeout=%d", cfg.BusyTimeout),
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite journal: %s: %w", pragma, err)
		}
	}

	j := &SQLiteJournal{db: db, config: cfg}
	if err := j.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := j.prepareStatements(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *SQLiteJournal) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		db     TEXT NOT NULL,
		id     TEXT NOT NULL,
		kind   TEXT NOT NULL,
		series TEXT,
		ts     INTEGER,
		value  REAL,
		min_x  REAL,
		min_y  REAL,
		max_x  REAL,
		max_y  REAL,
		fields TEXT,
		PRIMARY KEY (db, id)
	);
	CREATE INDEX IF NOT EXISTS idx_records_series ON records(db, series, ts, id);
	CREATE INDEX IF NOT EXISTS idx_records_kind ON records(db, kind);
	`
	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite journal: init schema: %w", err)
	}
	return nil
}

func (j *SQLiteJournal) prepareStatements() error {
	var err error
	j.insertStmt, err = j.db.Prepare(`
		INSERT INTO records (db, id, kind, series, ts, value, min_x, min_y, max_x, max_y, fields)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite journal: prepare insert: %w", err)
	}
	j.selectStmt, err = j.db.Prepare(`
		SELECT db, id, kind, series, ts, value, min_x, min_y, max_x, max_y, fields
		FROM records WHERE db = ? AND id = ?`)
	if err != nil {
		return fmt.Errorf("sqlite journal: prepare select: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (j *SQLiteJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true

	if j.insertStmt != nil {
		_ = j.insertStmt.Close()
	}
	if j.selectStmt != nil {
		_ = j.selectStmt.Close()
	}
	return j.db.Close()
}

// AppendFeature appends a geospatial feature record.
func (j *SQLiteJournal) AppendFeature(ctx context.Context, db, id string, bbox BoundingBox, fields map[string]string) (Record, error) {
	rec := Record{
		ID:       id,
		Database: db,
		Kind:     RecordKindFeature,
		BBox:     &bbox,
		Fields:   fields,
	}
	encoded, err := encodeFields(fields)
	if err != nil {
		return Record{}, err
	}
	_, err = j.insertStmt.ExecContext(ctx, db, id, string(RecordKindFeature),
		nil, nil, nil, bbox.MinX, bbox.MinY, bbox.MaxX, bbox.MaxY, encoded)
	if err != nil {
		return Record{}, fmt.Errorf("sqlite journal: append feature: %w", err)
	}
	return rec, nil
}

// AppendPoint appends a time-series point record.
func (j *SQLiteJournal) AppendPoint(ctx context.Context, db, series, id string, ts int64, value float64, fields map[string]string) (Record, error) {
	rec := Record{
		ID:        id,
		Database:  db,
		Kind:      RecordKindPoint,
		Series:    series,
		Timestamp: ts,
		Value:     value,
		Fields:    fields,
	}
	encoded, err := encodeFields(fields)
	if err != nil {
		return Record{}, err
	}
	_, err = j.insertStmt.ExecContext(ctx, db, id, string(RecordKindPoint),
		series, ts, value, nil, nil, nil, nil, encoded)
	if err != nil {
		return Record{}, fmt.Errorf("sqlite journal: append point: %w", err)
	}
	return rec, nil
}

// FetchByIDs returns full records for ids in the order given. Unknown ids
// are skipped.
func (j *SQLiteJournal) FetchByIDs(ctx context.Context, db string, ids []string) ([]Record, error) {
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		row := j.selectStmt.QueryRowContext(ctx, db, id)
		rec, err := scanRecord(row)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("sqlite journal: fetch %s: %w", id, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// FullScanBBox scans all feature records in db for box intersection.
func (j *SQLiteJournal) FullScanBBox(ctx context.Context, db string, bbox BoundingBox) ([]Record, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT db, id, kind, series, ts, value, min_x, min_y, max_x, max_y, fields
		FROM records
		WHERE db = ? AND kind = ? AND min_x <= ? AND max_x >= ? AND min_y <= ? AND max_y >= ?`,
		db, string(RecordKindFeature), bbox.MaxX, bbox.MinX, bbox.MaxY, bbox.MinY)
	if err != nil {
		return nil, fmt.Errorf("sqlite journal: bbox scan: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectRecords(rows)
}

// FullScanTimeSeries scans all point records of series in db within the
// range, in ascending (ts, id) order.
func (j *SQLiteJournal) FullScanTimeSeries(ctx context.Context, db, series string, start, end int64) ([]Record, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT db, id, kind, series, ts, value, min_x, min_y, max_x, max_y, fields
		FROM records
		WHERE db = ? AND kind = ? AND series = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC, id ASC`,
		db, string(RecordKindPoint), series, start, end)
	if err != nil {
		return nil, fmt.Errorf("sqlite journal: timeseries scan: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectRecords(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec    Record
		kind   string
		series sql.NullString
		ts     sql.NullInt64
		value  sql.NullFloat64
		minX   sql.NullFloat64
		minY   sql.NullFloat64
		maxX   sql.NullFloat64
		maxY   sql.NullFloat64
		fields sql.NullString
	)
	err := row.Scan(&rec.Database, &rec.ID, &kind, &series, &ts, &value,
		&minX, &minY, &maxX, &maxY, &fields)
	if err != nil {
		return Record{}, err
	}

	rec.Kind = RecordKind(kind)
	switch rec.Kind {
	case RecordKindFeature:
		rec.BBox = &BoundingBox{
			MinX: minX.Float64,
			MinY: minY.Float64,
			MaxX: maxX.Float64,
			MaxY: maxY.Float64,
		}
	case RecordKindPoint:
		rec.Series = series.String
		rec.Timestamp = ts.Int64
		rec.Value = value.Float64
	}
	if fields.Valid && fields.String != "" {
		if err := json.Unmarshal([]byte(fields.String), &rec.Fields); err != nil {
			return Record{}, fmt.Errorf("decode fields: %w", err)
		}
	}
	return rec, nil
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func encodeFields(fields map[string]string) (string, error) {
	if len(fields) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}
	return string(raw), nil
}
