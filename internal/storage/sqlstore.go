package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

const definitionColumns = `id, name, task_type, description, start_time_ms, repeat_interval_ms,
	start_on_startup, started, last_execution_ms, properties, changed_by, created_ms, updated_ms`

// sqlStore implements Store over database/sql. Queries are written with '?'
// placeholders and rebound for dialects that number them.
type sqlStore struct {
	db       *sql.DB
	log      logx.Logger
	numbered bool
	onClose  func()
}

func (s *sqlStore) q(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(r rowScanner) (*task.Definition, error) {
	var (
		d          task.Definition
		start      sql.NullInt64
		last       sql.NullInt64
		intervalMS int64
		props      string
		created    int64
		updated    int64
	)
	if err := r.Scan(&d.ID, &d.Name, &d.Type, &d.Description, &start, &intervalMS,
		&d.StartOnStartup, &d.Started, &last, &props, &d.ChangedBy, &created, &updated); err != nil {
		return nil, err
	}
	if start.Valid {
		d.StartTime = fromMillis(&start.Int64)
	}
	if last.Valid {
		d.LastExecutionTime = fromMillis(&last.Int64)
	}
	d.RepeatInterval = time.Duration(intervalMS) * time.Millisecond
	if props != "" && props != "{}" {
		if err := json.Unmarshal([]byte(props), &d.Properties); err != nil {
			return nil, fmt.Errorf("task %d: decode properties: %w", d.ID, err)
		}
	}
	d.CreatedAt = time.UnixMilli(created)
	d.UpdatedAt = time.UnixMilli(updated)
	return &d, nil
}

func encodeProperties(p map[string]string) (string, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *sqlStore) GetTasks(ctx context.Context) ([]*task.Definition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+definitionColumns+` FROM task_definitions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*task.Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetTask(ctx context.Context, id int64) (*task.Definition, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+definitionColumns+` FROM task_definitions WHERE id = ?`), id)
	d, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return d, err
}

func (s *sqlStore) GetTaskByName(ctx context.Context, name string) (*task.Definition, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+definitionColumns+` FROM task_definitions WHERE name = ?`), name)
	d, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: name %q", ErrNotFound, name)
	}
	return d, err
}

func (s *sqlStore) CreateTask(ctx context.Context, def *task.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	props, err := encodeProperties(def.Properties)
	if err != nil {
		return err
	}
	stamp(ctx, def, time.Now(), true)

	var id int64
	err = s.db.QueryRowContext(ctx, s.q(`INSERT INTO task_definitions
		(name, task_type, description, start_time_ms, repeat_interval_ms, start_on_startup, started,
		 last_execution_ms, properties, changed_by, created_ms, updated_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		def.Name, def.Type, def.Description, toMillis(def.StartTime), def.RepeatInterval.Milliseconds(),
		def.StartOnStartup, def.Started, toMillis(def.LastExecutionTime), props, def.ChangedBy,
		def.CreatedAt.UnixMilli(), def.UpdatedAt.UnixMilli(),
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %q", ErrDuplicateName, def.Name)
		}
		return err
	}
	def.ID = id
	return nil
}

func (s *sqlStore) UpdateTask(ctx context.Context, def *task.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	props, err := encodeProperties(def.Properties)
	if err != nil {
		return err
	}
	stamp(ctx, def, time.Now(), false)

	res, err := s.db.ExecContext(ctx, s.q(`UPDATE task_definitions SET
		name = ?, task_type = ?, description = ?, start_time_ms = ?, repeat_interval_ms = ?,
		start_on_startup = ?, started = ?, last_execution_ms = ?, properties = ?, changed_by = ?,
		updated_ms = ?
		WHERE id = ?`),
		def.Name, def.Type, def.Description, toMillis(def.StartTime), def.RepeatInterval.Milliseconds(),
		def.StartOnStartup, def.Started, toMillis(def.LastExecutionTime), props, def.ChangedBy,
		def.UpdatedAt.UnixMilli(), def.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %q", ErrDuplicateName, def.Name)
		}
		return err
	}
	return expectOne(res, def.ID)
}

func (s *sqlStore) DeleteTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM task_definitions WHERE id = ?`), id)
	if err != nil {
		return err
	}
	return expectOne(res, id)
}

func (s *sqlStore) SetLastExecutionTime(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE task_definitions SET last_execution_ms = ?, changed_by = ?, updated_ms = ? WHERE id = ?`),
		at.UnixMilli(), changedBy(ctx), time.Now().UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	return expectOne(res, id)
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	if s.onClose != nil {
		s.onClose()
	}
	return err
}

func expectOne(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
