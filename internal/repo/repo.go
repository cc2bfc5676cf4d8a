package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"missionline/internal/domain"
)

type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

func (r Repo) now() string {
	if r.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return r.Now().UTC().Format(time.RFC3339)
}

// GetBlob returns the raw value stored under key.
func (r Repo) GetBlob(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

// PutBlobs writes every key/value pair in one transaction.
func (r Repo) PutBlobs(ctx context.Context, blobs map[string][]byte) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.PutBlobsTx(ctx, tx, blobs); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) PutBlobsTx(ctx context.Context, tx *sql.Tx, blobs map[string][]byte) error {
	now := r.now()
	for key, value := range blobs {
		_, err := tx.ExecContext(ctx, `INSERT INTO kv(key,value,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`, key, string(value), now)
		if err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
	}
	return nil
}

type JournalFilter struct {
	MissionID string
	Kind      string
}

// LatestJournal returns up to limit entries older than cursor (0 = newest),
// newest first.
func (r Repo) LatestJournal(ctx context.Context, limit int, cursor int64, f JournalFilter) ([]domain.JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses, args := f.clauses()
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,kind,COALESCE(mission_id,''),COALESCE(objective_id,''),COALESCE(source,''),payload_json FROM journal WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	return r.queryJournal(ctx, query, append(args, limit)...)
}

// JournalAfter returns entries with ids greater than cursor in ascending order.
func (r Repo) JournalAfter(ctx context.Context, limit int, cursor int64, f JournalFilter) ([]domain.JournalEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses, args := f.clauses()
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,kind,COALESCE(mission_id,''),COALESCE(objective_id,''),COALESCE(source,''),payload_json FROM journal WHERE %s ORDER BY id ASC LIMIT ?`, strings.Join(clauses, " AND "))
	return r.queryJournal(ctx, query, append(args, limit)...)
}

// LatestJournalID returns the newest journal id, 0 when empty.
func (r Repo) LatestJournalID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM journal`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (f JournalFilter) clauses() ([]string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.MissionID != "" {
		clauses = append(clauses, "mission_id=?")
		args = append(args, f.MissionID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	return clauses, args
}

func (r Repo) queryJournal(ctx context.Context, query string, args ...any) ([]domain.JournalEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JournalEntry
	for rows.Next() {
		var e domain.JournalEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.Kind, &e.MissionID, &e.ObjectiveID, &e.Source, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
