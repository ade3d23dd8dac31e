// Package reporter records terminal report decisions as historical build
// records in PostgreSQL. It is the default implementation of the SQL
// reporter collaborator: one row per (item, result), written from the
// manager's report sink.
package reporter

import (
	"context"
	"embed"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"

	sharederrors "github.com/ridgeback/gatekeeper/pkg/shared/errors"
)

//go:embed migrations/*.sql
var migrations embed.FS

// BuildRecord is one historical build result row.
type BuildRecord struct {
	ID         int64     `db:"id"`
	Tenant     string    `db:"tenant"`
	Pipeline   string    `db:"pipeline"`
	Project    string    `db:"project"`
	Branch     string    `db:"branch"`
	ChangeID   string    `db:"change_id"`
	Patchset   int       `db:"patchset"`
	ItemUUID   string    `db:"item_uuid"`
	Result     string    `db:"result"`
	ReportedAt time.Time `db:"reported_at"`
}

// Repository persists build records.
type Repository struct {
	db *sqlx.DB
}

// NewRepository wraps an open database handle.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Open connects to dsn via the pgx stdlib driver.
func Open(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, sharederrors.DatabaseError("connect", "build_results", err)
	}
	return db, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sqlx.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return sharederrors.DatabaseError("set dialect", "build_results", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return sharederrors.DatabaseError("migrate", "build_results", err)
	}
	return nil
}

const insertRecord = `
INSERT INTO build_results (tenant, pipeline, project, branch, change_id, patchset, item_uuid, result, reported_at)
VALUES (:tenant, :pipeline, :project, :branch, :change_id, :patchset, :item_uuid, :result, :reported_at)`

// Record inserts rec. A duplicate (item, result) row is a no-op: the
// manager re-reports bundle members after a sibling failure, and replays
// after a lost lock may re-deliver a report.
func (r *Repository) Record(ctx context.Context, rec BuildRecord) error {
	if rec.ReportedAt.IsZero() {
		rec.ReportedAt = time.Now().UTC()
	}
	_, err := r.db.NamedExecContext(ctx, insertRecord, rec)
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return sharederrors.DatabaseError("insert", "build_results", err)
	}
	return nil
}

const selectByChange = `
SELECT id, tenant, pipeline, project, branch, change_id, patchset, item_uuid, result, reported_at
FROM build_results
WHERE tenant = $1 AND project = $2 AND change_id = $3
ORDER BY reported_at DESC`

// ListByChange returns the recorded results for one change, newest first.
func (r *Repository) ListByChange(ctx context.Context, tenant, project, changeID string) ([]BuildRecord, error) {
	var records []BuildRecord
	if err := r.db.SelectContext(ctx, &records, selectByChange, tenant, project, changeID); err != nil {
		return nil, sharederrors.DatabaseError("select", "build_results", err)
	}
	return records, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
