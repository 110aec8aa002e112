// Package store keeps session summaries, epoch feature rows and live
// predictions in a SQLite database.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"

	"github.com/maastricht-university/eeg-pipeline/eeg"
	"github.com/maastricht-university/eeg-pipeline/recording"
)

type DB struct {
	*sql.DB
}

func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; sqlite serialises anyway
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			session_id   TEXT PRIMARY KEY,
			kind         TEXT NOT NULL,
			source       TEXT,
			started_at   TEXT NOT NULL,
			samples      BIGINT,
			labels       BIGINT,
			gaps         BIGINT,
			retained     BIGINT,
			discarded    BIGINT
		);
		CREATE TABLE IF NOT EXISTS epochs (
			session_id   TEXT NOT NULL,
			epoch        BIGINT NOT NULL,
			start_time   DOUBLE,
			end_time     DOUBLE,
			label        TEXT,
			samples      BIGINT,
			features     BLOB,
			PRIMARY KEY (session_id, epoch),
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		);
		CREATE TABLE IF NOT EXISTS predictions (
			session_id   TEXT NOT NULL,
			epoch        BIGINT NOT NULL,
			label        TEXT,
			confidence   DOUBLE,
			latency_ms   DOUBLE,
			predicted_at TEXT,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &DB{db}, nil
}

// Session is one row of the sessions table.
type Session struct {
	ID        string
	Kind      string // record | prepare | live
	Source    string
	StartedAt time.Time
	Samples   int
	Labels    int
	Gaps      int
	Retained  int
	Discarded int
}

// RecordSession inserts s or replaces the row with the same id.
func (db *DB) RecordSession(s Session) error {
	_, err := db.Exec(`
		INSERT OR REPLACE INTO sessions
			(session_id, kind, source, started_at, samples, labels, gaps, retained, discarded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Kind, s.Source, s.StartedAt.UTC().Format(time.RFC3339Nano),
		s.Samples, s.Labels, s.Gaps, s.Retained, s.Discarded)
	if err != nil {
		return fmt.Errorf("record session %s: %w", s.ID, err)
	}
	return nil
}

func (db *DB) Session(id string) (Session, error) {
	var s Session
	var started string
	var source sql.NullString
	err := db.QueryRow(`
		SELECT session_id, kind, source, started_at, samples, labels, gaps, retained, discarded
		FROM sessions WHERE session_id = ?`, id).
		Scan(&s.ID, &s.Kind, &source, &started, &s.Samples, &s.Labels, &s.Gaps, &s.Retained, &s.Discarded)
	if err != nil {
		return s, fmt.Errorf("session %s: %w", id, err)
	}
	s.Source = source.String
	if s.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return s, fmt.Errorf("session %s: started_at: %w", id, err)
	}
	return s, nil
}

// RecordEpochs stores the epoch feature table of one session in a single
// transaction. Feature vectors are stored msgpack-encoded.
func (db *DB) RecordEpochs(sessionID string, rows []recording.EpochRow) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO epochs (session_id, epoch, start_time, end_time, label, samples, features)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		blob, err := msgpack.Marshal(r.Features)
		if err != nil {
			return fmt.Errorf("encode epoch %d features: %w", r.Index, err)
		}
		if _, err := stmt.Exec(sessionID, r.Index, r.Start, r.End, r.Label, r.Samples, blob); err != nil {
			return fmt.Errorf("record epoch %d: %w", r.Index, err)
		}
	}
	return tx.Commit()
}

// Epochs returns a session's epoch rows ordered by epoch index.
func (db *DB) Epochs(sessionID string) ([]recording.EpochRow, error) {
	rows, err := db.Query(`
		SELECT epoch, start_time, end_time, label, samples, features
		FROM epochs WHERE session_id = ? ORDER BY epoch`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []recording.EpochRow
	for rows.Next() {
		var r recording.EpochRow
		var blob []byte
		if err := rows.Scan(&r.Index, &r.Start, &r.End, &r.Label, &r.Samples, &blob); err != nil {
			return nil, err
		}
		if err := msgpack.Unmarshal(blob, &r.Features); err != nil {
			return nil, fmt.Errorf("decode epoch %d features: %w", r.Index, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (db *DB) RecordPrediction(sessionID string, p eeg.Prediction) error {
	_, err := db.Exec(`
		INSERT INTO predictions (session_id, epoch, label, confidence, latency_ms, predicted_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, p.Epoch, p.Label, p.Confidence,
		float64(p.Latency)/float64(time.Millisecond), p.At.UTC().Format(time.RFC3339Nano))
	return err
}

// LabelCounts tallies a session's predictions by label.
func (db *DB) LabelCounts(sessionID string) (map[string]int, error) {
	rows, err := db.Query(`
		SELECT label, COUNT(*) FROM predictions WHERE session_id = ? GROUP BY label`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var l string
		var n int
		if err := rows.Scan(&l, &n); err != nil {
			return nil, err
		}
		out[l] = n
	}
	return out, rows.Err()
}
