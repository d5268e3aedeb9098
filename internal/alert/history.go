package alert

import (
	"database/sql"

	"github.com/kcchien/iiot-gateway/internal/apperr"
	"github.com/kcchien/iiot-gateway/internal/model"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS alert_history (
	rowid      INTEGER PRIMARY KEY AUTOINCREMENT,
	ts_ms      INTEGER NOT NULL,
	rule_id    TEXT NOT NULL,
	old_state  TEXT NOT NULL,
	new_state  TEXT NOT NULL,
	value      REAL,
	quality    TEXT,
	message    TEXT,
	acked      INTEGER NOT NULL DEFAULT 0,
	ack_note   TEXT
);
CREATE INDEX IF NOT EXISTS idx_alert_history_rule ON alert_history(rule_id, ts_ms);
`

// HistoryRow is one append-only transition record, per spec §4.7: "An
// append-only alert history records every transition with (timestamp,
// ruleId, old->new state, value, quality, message)."
type HistoryRow struct {
	RowID    int64
	Ts       int64
	RuleID   string
	OldState string
	NewState string
	Value    float64
	Quality  model.Quality
	Message  string
	Acked    bool
	AckNote  string
}

// History persists alert transitions to the same SQLite connection pool as
// the Ring-Buffer Store, in a sibling table, per SPEC_FULL.md §4.7.
type History struct {
	db *sql.DB
}

// NewHistory opens (creating if needed) the alert_history table on db.
func NewHistory(db *sql.DB) (*History, error) {
	if _, err := db.Exec(historySchema); err != nil {
		return nil, apperr.New(apperr.KindInternal, "alert.NewHistory", err)
	}
	return &History{db: db}, nil
}

// Append records one state transition.
func (h *History) Append(row HistoryRow) error {
	_, err := h.db.Exec(
		`INSERT INTO alert_history(ts_ms, rule_id, old_state, new_state, value, quality, message) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.Ts, row.RuleID, row.OldState, row.NewState, row.Value, string(row.Quality), row.Message,
	)
	if err != nil {
		return apperr.New(apperr.KindInternal, "alert.History.Append", err)
	}
	return nil
}

// ListForRule returns the most recent transitions for ruleID, newest
// first, capped at limit.
func (h *History) ListForRule(ruleID string, limit int) ([]HistoryRow, error) {
	rows, err := h.db.Query(
		`SELECT rowid, ts_ms, rule_id, old_state, new_state, value, quality, message, acked, ack_note
		 FROM alert_history WHERE rule_id = ? ORDER BY rowid DESC LIMIT ?`,
		ruleID, limit,
	)
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, "alert.History.ListForRule", err)
	}
	defer rows.Close()
	return scanHistoryRows(rows)
}

// Recent returns the most recent transitions across all rules, newest
// first, capped at limit.
func (h *History) Recent(limit int) ([]HistoryRow, error) {
	rows, err := h.db.Query(
		`SELECT rowid, ts_ms, rule_id, old_state, new_state, value, quality, message, acked, ack_note
		 FROM alert_history ORDER BY rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, apperr.New(apperr.KindInternal, "alert.History.Recent", err)
	}
	defer rows.Close()
	return scanHistoryRows(rows)
}

func scanHistoryRows(rows *sql.Rows) ([]HistoryRow, error) {
	var out []HistoryRow
	for rows.Next() {
		var r HistoryRow
		var value sql.NullFloat64
		var quality, message, ackNote sql.NullString
		var acked int
		if err := rows.Scan(&r.RowID, &r.Ts, &r.RuleID, &r.OldState, &r.NewState, &value, &quality, &message, &acked, &ackNote); err != nil {
			return nil, apperr.New(apperr.KindInternal, "alert.History.scan", err)
		}
		r.Value = value.Float64
		r.Quality = model.Quality(quality.String)
		r.Message = message.String
		r.Acked = acked != 0
		r.AckNote = ackNote.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ack annotates a history row as acknowledged. This does not alter the
// rule's state machine — acknowledgement is a history annotation only,
// per Open Question (c) resolution in spec §9.
func (h *History) Ack(rowID int64, note string) error {
	_, err := h.db.Exec(`UPDATE alert_history SET acked = 1, ack_note = ? WHERE rowid = ?`, note, rowID)
	if err != nil {
		return apperr.New(apperr.KindInternal, "alert.History.Ack", err)
	}
	return nil
}
