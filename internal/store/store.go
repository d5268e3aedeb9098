// Package store implements the Ring-Buffer Store (RBS) of spec §4.3: a
// single-writer, multi-reader, on-disk time-series ring with row-count
// eviction, backed by SQLite in write-ahead mode so sparkline queries and
// exports never block inserts.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kcchien/iiot-gateway/internal/apperr"
	"github.com/kcchien/iiot-gateway/internal/model"
)

const defaultMaxRows = 60000

const schema = `
CREATE TABLE IF NOT EXISTS datapoints (
	rowid    INTEGER PRIMARY KEY AUTOINCREMENT,
	tag_id   TEXT NOT NULL,
	ts_ms    INTEGER NOT NULL,
	v_num    REAL,
	v_bool   INTEGER,
	v_text   TEXT,
	quality  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_datapoints_tag_ts ON datapoints(tag_id, ts_ms);
CREATE INDEX IF NOT EXISTS idx_datapoints_ts ON datapoints(ts_ms);
CREATE TABLE IF NOT EXISTS config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Range is the result of Range(): the oldest/newest timestamp and row
// count currently retained. Nil when the store is empty.
type Range struct {
	FirstTs int64
	LastTs  int64
	Count   int64
}

// Store is the Ring-Buffer Store.
type Store struct {
	mu      sync.Mutex // serializes writers; SQLite WAL lets readers proceed concurrently
	db      *sql.DB
	maxRows int
}

// Open opens (creating if needed) the SQLite-backed ring buffer at path,
// in WAL mode, per spec §4.3.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, "store.Open", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apperr.New(apperr.KindInternal, "store.Open", err)
	}
	s := &Store{db: db, maxRows: defaultMaxRows}
	if v, ok := s.configInt("max_rows"); ok {
		s.maxRows = v
	}
	return s, nil
}

// Insert stores one DataPoint, evicting the oldest rows if the table
// exceeds maxRows afterward.
func (s *Store) Insert(dp model.DataPoint) error {
	return s.InsertBatch([]model.DataPoint{dp})
}

// InsertBatch stores dps inside a single write transaction, then evicts
// rows with rowid <= MAX(rowid) - maxRows if the table now exceeds
// maxRows, per spec §4.3.
func (s *Store) InsertBatch(dps []model.DataPoint) error {
	if len(dps) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return apperr.New(apperr.KindInternal, "store.InsertBatch", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO datapoints(tag_id, ts_ms, v_num, v_bool, v_text, quality) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return apperr.New(apperr.KindInternal, "store.InsertBatch", err)
	}
	for _, dp := range dps {
		vNum, vBool, vText := columnsFor(dp.Value)
		if _, err := stmt.Exec(dp.TagID, dp.Timestamp, vNum, vBool, vText, string(dp.Quality)); err != nil {
			stmt.Close()
			tx.Rollback()
			return apperr.New(apperr.KindInternal, "store.InsertBatch", err)
		}
	}
	stmt.Close()

	if _, err := tx.Exec(
		`DELETE FROM datapoints WHERE rowid <= (SELECT MAX(rowid) FROM datapoints) - ?`,
		s.maxRows,
	); err != nil {
		tx.Rollback()
		return apperr.New(apperr.KindInternal, "store.InsertBatch", err)
	}
	if err := tx.Commit(); err != nil {
		return apperr.New(apperr.KindInternal, "store.InsertBatch", err)
	}
	return nil
}

// columnsFor splits a DataPoint's dynamically-typed Value into the
// mutually-exclusive numeric/bool/text columns of spec §4.3.
func columnsFor(v interface{}) (vNum sql.NullFloat64, vBool sql.NullBool, vText sql.NullString) {
	switch val := v.(type) {
	case bool:
		vBool = sql.NullBool{Bool: val, Valid: true}
	case string:
		vText = sql.NullString{String: val, Valid: true}
	case float32:
		vNum = sql.NullFloat64{Float64: float64(val), Valid: true}
	case float64:
		vNum = sql.NullFloat64{Float64: val, Valid: true}
	case int16:
		vNum = sql.NullFloat64{Float64: float64(val), Valid: true}
	case uint16:
		vNum = sql.NullFloat64{Float64: float64(val), Valid: true}
	case int32:
		vNum = sql.NullFloat64{Float64: float64(val), Valid: true}
	case uint32:
		vNum = sql.NullFloat64{Float64: float64(val), Valid: true}
	case int64:
		vNum = sql.NullFloat64{Float64: float64(val), Valid: true}
	case uint64:
		vNum = sql.NullFloat64{Float64: float64(val), Valid: true}
	default:
		vText = sql.NullString{String: fmt.Sprintf("%v", val), Valid: true}
	}
	return
}

func valueFromColumns(vNum sql.NullFloat64, vBool sql.NullBool, vText sql.NullString) interface{} {
	switch {
	case vBool.Valid:
		return vBool.Bool
	case vNum.Valid:
		return vNum.Float64
	case vText.Valid:
		return vText.String
	default:
		return nil
	}
}

// Range returns the oldest/newest timestamp and row count, or nil if the
// store is empty.
func (s *Store) Range() (*Range, error) {
	row := s.db.QueryRow(`SELECT MIN(ts_ms), MAX(ts_ms), COUNT(*) FROM datapoints`)
	var first, last sql.NullInt64
	var count int64
	if err := row.Scan(&first, &last, &count); err != nil {
		return nil, apperr.New(apperr.KindInternal, "store.Range", err)
	}
	if count == 0 {
		return nil, nil
	}
	return &Range{FirstTs: first.Int64, LastTs: last.Int64, Count: count}, nil
}

// Seek returns, for every tag with at least one point at or before ts, its
// latest such DataPoint — powering DVR time-travel per spec §4.3.
func (s *Store) Seek(ts int64) (map[string]model.DataPoint, error) {
	rows, err := s.db.Query(`
		SELECT d.tag_id, d.ts_ms, d.v_num, d.v_bool, d.v_text, d.quality
		FROM datapoints d
		INNER JOIN (
			SELECT tag_id, MAX(ts_ms) AS ts_ms
			FROM datapoints
			WHERE ts_ms <= ?
			GROUP BY tag_id
		) latest ON latest.tag_id = d.tag_id AND latest.ts_ms = d.ts_ms
	`, ts)
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, "store.Seek", err)
	}
	defer rows.Close()

	out := map[string]model.DataPoint{}
	for rows.Next() {
		var tagID, quality string
		var tsMs int64
		var vNum sql.NullFloat64
		var vBool sql.NullBool
		var vText sql.NullString
		if err := rows.Scan(&tagID, &tsMs, &vNum, &vBool, &vText, &quality); err != nil {
			return nil, apperr.New(apperr.KindInternal, "store.Seek", err)
		}
		out[tagID] = model.DataPoint{
			TagID:     tagID,
			Timestamp: tsMs,
			Value:     valueFromColumns(vNum, vBool, vText),
			Quality:   model.Quality(quality),
		}
	}
	return out, rows.Err()
}

// Export returns every point for tagIds within [t0, t1], raw and
// time-ordered with no downsampling, per spec §4.3.
func (s *Store) Export(tagIDs []string, t0, t1 int64) ([]model.DataPoint, error) {
	if len(tagIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(tagIDs))
	args := make([]interface{}, 0, len(tagIDs)+2)
	for i, id := range tagIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	args = append(args, t0, t1)
	query := fmt.Sprintf(`
		SELECT tag_id, ts_ms, v_num, v_bool, v_text, quality
		FROM datapoints
		WHERE tag_id IN (%s) AND ts_ms BETWEEN ? AND ?
		ORDER BY ts_ms ASC, rowid ASC
	`, joinPlaceholders(placeholders))
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, "store.Export", err)
	}
	defer rows.Close()

	var out []model.DataPoint
	for rows.Next() {
		var tagID, quality string
		var tsMs int64
		var vNum sql.NullFloat64
		var vBool sql.NullBool
		var vText sql.NullString
		if err := rows.Scan(&tagID, &tsMs, &vNum, &vBool, &vText, &quality); err != nil {
			return nil, apperr.New(apperr.KindInternal, "store.Export", err)
		}
		out = append(out, model.DataPoint{TagID: tagID, Timestamp: tsMs, Value: valueFromColumns(vNum, vBool, vText), Quality: model.Quality(quality)})
	}
	return out, rows.Err()
}

func joinPlaceholders(ps []string) string {
	out := ps[0]
	for _, p := range ps[1:] {
		out += "," + p
	}
	return out
}

// Sparkline returns all rows for tagId in [t0, t1] when count <= maxPoints;
// otherwise it LTTB-downsamples to maxPoints, per spec §4.3.
func (s *Store) Sparkline(tagID string, t0, t1 int64, maxPoints int) (timestamps []int64, values []float64, err error) {
	rows, err := s.db.Query(`
		SELECT ts_ms, v_num FROM datapoints
		WHERE tag_id = ? AND ts_ms BETWEEN ? AND ? AND v_num IS NOT NULL
		ORDER BY ts_ms ASC, rowid ASC
	`, tagID, t0, t1)
	if err != nil {
		return nil, nil, apperr.New(apperr.KindInternal, "store.Sparkline", err)
	}
	defer rows.Close()

	var ts []int64
	var vs []float64
	for rows.Next() {
		var t int64
		var v float64
		if err := rows.Scan(&t, &v); err != nil {
			return nil, nil, apperr.New(apperr.KindInternal, "store.Sparkline", err)
		}
		ts = append(ts, t)
		vs = append(vs, v)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if maxPoints <= 0 || len(ts) <= maxPoints {
		return ts, vs, nil
	}
	return lttb(ts, vs, maxPoints)
}

// lttb implements Largest-Triangle-Three-Buckets downsampling: the first
// and last points are always kept; the remaining points are split into
// maxPoints-2 buckets, and from each bucket the point maximizing the
// triangle area formed with the previously selected point and the average
// of the next bucket is kept.
func lttb(ts []int64, vs []float64, maxPoints int) ([]int64, []float64, error) {
	n := len(ts)
	if maxPoints >= n {
		return ts, vs, nil
	}
	if maxPoints < 3 {
		return []int64{ts[0], ts[n-1]}, []float64{vs[0], vs[n-1]}, nil
	}

	outTs := make([]int64, 0, maxPoints)
	outVs := make([]float64, 0, maxPoints)
	outTs = append(outTs, ts[0])
	outVs = append(outVs, vs[0])

	bucketSize := float64(n-2) / float64(maxPoints-2)
	a := 0 // index of previously selected point

	for i := 0; i < maxPoints-2; i++ {
		bucketStart := int(float64(i)*bucketSize) + 1
		bucketEnd := int(float64(i+1)*bucketSize) + 1
		if bucketEnd > n-1 {
			bucketEnd = n - 1
		}
		if bucketStart >= bucketEnd {
			bucketEnd = bucketStart + 1
		}

		nextStart := int(float64(i+1)*bucketSize) + 1
		nextEnd := int(float64(i+2)*bucketSize) + 1
		if nextEnd > n {
			nextEnd = n
		}
		if nextStart >= nextEnd {
			nextStart = nextEnd - 1
		}
		var avgX float64
		var avgY float64
		count := 0
		for j := nextStart; j < nextEnd; j++ {
			avgX += float64(ts[j])
			avgY += vs[j]
			count++
		}
		if count > 0 {
			avgX /= float64(count)
			avgY /= float64(count)
		}

		bestIdx := bucketStart
		bestArea := -1.0
		ax, ay := float64(ts[a]), vs[a]
		for j := bucketStart; j < bucketEnd; j++ {
			area := triangleArea(ax, ay, float64(ts[j]), vs[j], avgX, avgY)
			if area > bestArea {
				bestArea = area
				bestIdx = j
			}
		}
		outTs = append(outTs, ts[bestIdx])
		outVs = append(outVs, vs[bestIdx])
		a = bestIdx
	}

	outTs = append(outTs, ts[n-1])
	outVs = append(outVs, vs[n-1])
	return outTs, outVs, nil
}

func triangleArea(ax, ay, bx, by, cx, cy float64) float64 {
	area := (ax-cx)*(by-cy) - (ay-cy)*(bx-cx)
	if area < 0 {
		return -area / 2
	}
	return area / 2
}

// UpdateConfig changes maxRows and/or retentionMinutes, persisting them to
// the config table.
func (s *Store) UpdateConfig(maxRows, retentionMinutes *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxRows != nil {
		s.maxRows = *maxRows
		if err := s.setConfig("max_rows", *maxRows); err != nil {
			return err
		}
	}
	if retentionMinutes != nil {
		if err := s.setConfig("retention_minutes", *retentionMinutes); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) setConfig(key string, value int) error {
	_, err := s.db.Exec(
		`INSERT INTO config(key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, fmt.Sprint(value),
	)
	if err != nil {
		return apperr.New(apperr.KindInternal, "store.UpdateConfig", err)
	}
	return nil
}

func (s *Store) configInt(key string) (int, bool) {
	row := s.db.QueryRow(`SELECT value FROM config WHERE key = ?`, key)
	var v string
	if err := row.Scan(&v); err != nil {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

// Clear deletes every row.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM datapoints`); err != nil {
		return apperr.New(apperr.KindInternal, "store.Clear", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying *sql.DB so the Alert Engine can persist its
// history table through the same connection pool, per spec §4.7.
func (s *Store) DB() *sql.DB { return s.db }
