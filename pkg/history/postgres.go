package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deepscope-io/deepscope/pkg/database"
	"github.com/deepscope-io/deepscope/pkg/events"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// foreign_key_violation
const pgForeignKeyViolation = "23503"

// PostgresStore keeps history in the research_records and chat_messages tables.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore returns a store over a migrated database client.
func NewPostgresStore(client *database.Client) *PostgresStore {
	return &PostgresStore{db: client.DB()}
}

const recordColumns = `id, question, answer, events, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, question, answer string, evs []events.Event) (string, error) {
	payload, err := encodeEvents(evs)
	if err != nil {
		return "", persistErr("create", "", err)
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO research_records (id, question, answer, events) VALUES ($1, $2, $3, $4)`,
		id, question, answer, payload)
	if err != nil {
		return "", persistErr("create", "", err)
	}
	return id, nil
}

func (s *PostgresStore) Update(ctx context.Context, id, answer string, evs []events.Event) error {
	payload, err := encodeEvents(evs)
	if err != nil {
		return persistErr("update", id, err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE research_records SET answer = $2, events = $3, updated_at = now() WHERE id = $1`,
		id, answer, payload)
	if err != nil {
		return persistErr("update", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("update", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM research_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	return rec, persistErr("get", id, err)
}

func (s *PostgresStore) Find(ctx context.Context, question, answer string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM research_records
		 WHERE md5(question) = md5($1) AND md5(answer) = md5($2)
		   AND question = $1 AND answer = $2
		 ORDER BY updated_at DESC
		 LIMIT 1`, question, answer)
	rec, err := scanRecord(row)
	return rec, persistErr("find", "", err)
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM research_records ORDER BY updated_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("list", "", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, persistErr("list", "", err)
		}
		out = append(out, *rec)
	}
	return out, persistErr("list", "", rows.Err())
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM research_records WHERE id = $1`, id)
	if err != nil {
		return persistErr("delete", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return persistErr("delete", id, err)
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListChatMessages(ctx context.Context, id string) ([]ChatMessage, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, metadata, created_at FROM chat_messages
		 WHERE research_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, persistErr("list chat messages", id, err)
	}
	defer rows.Close()

	out := []ChatMessage{}
	for rows.Next() {
		var (
			msg      ChatMessage
			role     string
			metadata []byte
		)
		if err := rows.Scan(&role, &msg.Content, &metadata, &msg.Timestamp); err != nil {
			return nil, persistErr("list chat messages", id, err)
		}
		msg.Role = Role(role)
		if len(metadata) > 0 {
			msg.Metadata = metadata
		}
		out = append(out, msg)
	}
	return out, persistErr("list chat messages", id, rows.Err())
}

func (s *PostgresStore) AppendChatMessage(ctx context.Context, id string, msg ChatMessage) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	var metadata any
	if len(msg.Metadata) > 0 {
		metadata = []byte(msg.Metadata)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (research_id, role, content, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, string(msg.Role), msg.Content, metadata, ts)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return ErrNotFound
		}
		return persistErr("append chat message", id, err)
	}
	return nil
}

func (s *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM research_records WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, persistErr("delete older than", "", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, persistErr("delete older than", "", err)
	}
	return int(n), nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := database.Health(ctx, s.db)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec     Record
		payload []byte
	)
	if err := row.Scan(&rec.ID, &rec.Question, &rec.Answer, &payload, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(payload, &rec.Events); err != nil {
		return nil, fmt.Errorf("decode events of %s: %w", rec.ID, err)
	}
	return &rec, nil
}

func encodeEvents(evs []events.Event) ([]byte, error) {
	if evs == nil {
		evs = []events.Event{}
	}
	payload, err := json.Marshal(evs)
	if err != nil {
		return nil, fmt.Errorf("encode events: %w", err)
	}
	return payload, nil
}
