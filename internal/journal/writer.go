// Package journal appends engine transitions to the workspace journal table.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"
)

type Payload map[string]any

type Entry struct {
	Kind        string
	MissionID   string
	ObjectiveID string
	Source      string
	Payload     Payload
}

type sourceKey struct{}

// WithSource tags ctx with the collaborator responsible for the calls made
// under it. Entries recorded without an explicit source pick it up.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

func SourceFrom(ctx context.Context) string {
	s, _ := ctx.Value(sourceKey{}).(string)
	return s
}

type Writer struct {
	DB     *sql.DB
	Now    func() time.Time
	Logger *log.Logger
}

// Append inserts e, inside tx when one is given.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if e.Payload == nil {
		e.Payload = Payload{}
	}
	if e.Source == "" {
		e.Source = SourceFrom(ctx)
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal journal payload: %w", err)
	}
	const query = `INSERT INTO journal(ts,kind,mission_id,objective_id,source,payload_json) VALUES (?,?,?,?,?,?)`
	args := []any{ts, e.Kind, nullable(e.MissionID), nullable(e.ObjectiveID), nullable(e.Source), string(data)}
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = w.DB.ExecContext(ctx, query, args...)
	}
	return err
}

// Record appends e and logs instead of failing. Journal writes never abort a
// progress transition.
func (w Writer) Record(ctx context.Context, e Entry) {
	if w.DB == nil {
		return
	}
	if err := w.Append(ctx, nil, e); err != nil {
		w.logger().Printf("journal: append %s: %v", e.Kind, err)
	}
}

func (w Writer) logger() *log.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return log.Default()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
