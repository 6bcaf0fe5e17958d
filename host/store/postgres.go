package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/whale-net/sandman/host/core"
)

// PostgresContainerRepo stores container records in postgres, for hosts
// that need records to survive a restart.
type PostgresContainerRepo struct {
	db *pgxpool.Pool
}

var _ ContainerRepo = (*PostgresContainerRepo)(nil)

// NewPostgresContainerRepo creates a container repository over db.
func NewPostgresContainerRepo(db *pgxpool.Pool) *PostgresContainerRepo {
	return &PostgresContainerRepo{db: db}
}

const containerColumns = `container_id, name, image, engine_status, status, session_id, labels, created_at, started_at`

func (r *PostgresContainerRepo) Save(ctx context.Context, container *core.Container) error {
	query := `
		INSERT INTO containers (container_id, name, image, engine_status, status, session_id, labels, created_at, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (container_id) DO UPDATE SET
			name = EXCLUDED.name,
			image = EXCLUDED.image,
			engine_status = EXCLUDED.engine_status,
			status = EXCLUDED.status,
			session_id = EXCLUDED.session_id,
			labels = EXCLUDED.labels,
			created_at = EXCLUDED.created_at,
			started_at = EXCLUDED.started_at
	`

	labels := container.Labels
	if labels == nil {
		labels = map[string]string{}
	}

	_, err := r.db.Exec(ctx, query,
		container.ContainerID,
		container.Name,
		container.Image,
		container.EngineStatus,
		string(container.Status),
		container.SessionID,
		labels,
		container.CreatedAt,
		container.StartedAt,
	)
	return err
}

func (r *PostgresContainerRepo) Get(ctx context.Context, containerID string) (*core.Container, error) {
	query := `SELECT ` + containerColumns + ` FROM containers WHERE container_id = $1`

	c, err := scanContainer(r.db.QueryRow(ctx, query, containerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *PostgresContainerRepo) GetAll(ctx context.Context) ([]core.Container, error) {
	query := `SELECT ` + containerColumns + ` FROM containers ORDER BY created_at, container_id`
	return r.queryContainers(ctx, query)
}

func (r *PostgresContainerRepo) Delete(ctx context.Context, containerID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM containers WHERE container_id = $1`, containerID)
	return err
}

func (r *PostgresContainerRepo) FirstIdle(ctx context.Context) (*core.Container, error) {
	query := `
		SELECT ` + containerColumns + `
		FROM containers
		WHERE status = $1
		ORDER BY created_at, container_id
		LIMIT 1
	`

	c, err := scanContainer(r.db.QueryRow(ctx, query, string(core.ContainerIdle)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *PostgresContainerRepo) CountByStatus(ctx context.Context) (ContainerCounts, error) {
	rows, err := r.db.Query(ctx, `SELECT status, count(*) FROM containers GROUP BY status`)
	if err != nil {
		return ContainerCounts{}, err
	}
	defer rows.Close()

	var counts ContainerCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return ContainerCounts{}, err
		}
		switch core.ContainerState(status) {
		case core.ContainerIdle:
			counts.Idle = n
		case core.ContainerBusy:
			counts.Busy = n
		case core.ContainerWarming:
			counts.Warming = n
		case core.ContainerDestroying:
			counts.Destroying = n
		}
	}
	return counts, rows.Err()
}

func (r *PostgresContainerRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT count(*) FROM containers`).Scan(&n)
	return n, err
}

func (r *PostgresContainerRepo) queryContainers(ctx context.Context, query string, args ...any) ([]core.Container, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]core.Container, 0)
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanContainer(row pgx.Row) (*core.Container, error) {
	var c core.Container
	var status string
	err := row.Scan(
		&c.ContainerID,
		&c.Name,
		&c.Image,
		&c.EngineStatus,
		&status,
		&c.SessionID,
		&c.Labels,
		&c.CreatedAt,
		&c.StartedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Status = core.ContainerState(status)
	if len(c.Labels) == 0 {
		c.Labels = nil
	}
	return &c, nil
}

// PostgresSessionRepo stores session records in postgres.
type PostgresSessionRepo struct {
	db *pgxpool.Pool
}

var _ SessionRepo = (*PostgresSessionRepo)(nil)

// NewPostgresSessionRepo creates a session repository over db.
func NewPostgresSessionRepo(db *pgxpool.Pool) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

const sessionColumns = `session_id, name, container_id, status, queue_position, created_at, last_activity_at, command_count, is_executing, timeout_seconds`

func (r *PostgresSessionRepo) Save(ctx context.Context, session *core.Session) error {
	query := `
		INSERT INTO sessions (session_id, name, container_id, status, queue_position, created_at, last_activity_at, command_count, is_executing, timeout_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id) DO UPDATE SET
			name = EXCLUDED.name,
			container_id = EXCLUDED.container_id,
			status = EXCLUDED.status,
			queue_position = EXCLUDED.queue_position,
			created_at = EXCLUDED.created_at,
			last_activity_at = EXCLUDED.last_activity_at,
			command_count = EXCLUDED.command_count,
			is_executing = EXCLUDED.is_executing,
			timeout_seconds = EXCLUDED.timeout_seconds
	`

	_, err := r.db.Exec(ctx, query,
		session.SessionID,
		session.Name,
		session.ContainerID,
		string(session.Status),
		session.QueuePosition,
		session.CreatedAt,
		session.LastActivityAt,
		session.CommandCount,
		session.IsExecutingCommand,
		session.TimeoutSeconds,
	)
	return err
}

func (r *PostgresSessionRepo) Get(ctx context.Context, sessionID string) (*core.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE session_id = $1`

	s, err := scanSession(r.db.QueryRow(ctx, query, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *PostgresSessionRepo) GetAll(ctx context.Context) ([]core.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at, session_id`
	return r.querySessions(ctx, query)
}

func (r *PostgresSessionRepo) Delete(ctx context.Context, sessionID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, sessionID)
	return err
}

func (r *PostgresSessionRepo) GetAllActive(ctx context.Context) ([]core.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE status = $1
		ORDER BY created_at, session_id
	`
	return r.querySessions(ctx, query, string(core.SessionActive))
}

func (r *PostgresSessionRepo) GetByContainerID(ctx context.Context, containerID string) (*core.Session, error) {
	if containerID == "" {
		return nil, nil
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE container_id = $1 LIMIT 1`

	s, err := scanSession(r.db.QueryRow(ctx, query, containerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *PostgresSessionRepo) GetQueued(ctx context.Context) ([]core.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE status = $1
		ORDER BY queue_position
	`
	return r.querySessions(ctx, query, string(core.SessionQueued))
}

func (r *PostgresSessionRepo) querySessions(ctx context.Context, query string, args ...any) ([]core.Session, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]core.Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func scanSession(row pgx.Row) (*core.Session, error) {
	var s core.Session
	var status string
	err := row.Scan(
		&s.SessionID,
		&s.Name,
		&s.ContainerID,
		&status,
		&s.QueuePosition,
		&s.CreatedAt,
		&s.LastActivityAt,
		&s.CommandCount,
		&s.IsExecutingCommand,
		&s.TimeoutSeconds,
	)
	if err != nil {
		return nil, err
	}
	s.Status = core.SessionState(status)
	return &s, nil
}
