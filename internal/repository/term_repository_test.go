package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-conduct-api/internal/models"
)

func newTermRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func termRows(terms ...models.Term) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "name", "type", "academic_year", "start_date", "end_date", "is_active", "created_at", "updated_at"})
	for _, term := range terms {
		rows.AddRow(term.ID, term.Name, term.Type, term.AcademicYear, term.StartDate, term.EndDate, term.IsActive, time.Now(), time.Now())
	}
	return rows
}

func TestTermRepositoryListFilters(t *testing.T) {
	db, mock, cleanup := newTermRepoMock(t)
	defer cleanup()

	repo := NewTermRepository(db)
	active := true
	term := models.Term{ID: "term-1", Name: "Semester Ganjil", Type: models.TermTypeSemester, AcademicYear: "2025/2026", IsActive: true}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, type, academic_year, start_date, end_date, is_active, created_at, updated_at FROM terms WHERE 1=1 AND academic_year = $1 AND is_active = $2")).
		WithArgs("2025/2026", true).
		WillReturnRows(termRows(term))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM terms WHERE 1=1 AND academic_year = $1 AND is_active = $2")).
		WithArgs("2025/2026", true).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	terms, total, err := repo.List(context.Background(), models.TermFilter{AcademicYear: "2025/2026", IsActive: &active})
	require.NoError(t, err)
	require.Len(t, terms, 1)
	require.Equal(t, 1, total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTermRepositoryFindActiveNoRows(t *testing.T) {
	db, mock, cleanup := newTermRepoMock(t)
	defer cleanup()

	repo := NewTermRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, type, academic_year, start_date, end_date, is_active, created_at, updated_at FROM terms WHERE is_active = TRUE LIMIT 1")).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindActive(context.Background())
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTermRepositoryFindLatestEnded(t *testing.T) {
	db, mock, cleanup := newTermRepoMock(t)
	defer cleanup()

	repo := NewTermRepository(db)
	term := models.Term{ID: "term-old", Name: "Semester Genap", Type: models.TermTypeSemester, AcademicYear: "2024/2025"}

	mock.ExpectQuery(regexp.QuoteMeta("FROM terms ORDER BY end_date DESC LIMIT 1")).
		WillReturnRows(termRows(term))

	found, err := repo.FindLatestEnded(context.Background())
	require.NoError(t, err)
	require.Equal(t, "term-old", found.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTermRepositorySetActiveDeactivatesOthers(t *testing.T) {
	db, mock, cleanup := newTermRepoMock(t)
	defer cleanup()

	repo := NewTermRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE terms SET is_active = FALSE, updated_at = $1 WHERE is_active = TRUE AND id <> $2")).
		WithArgs(sqlmock.AnyArg(), "term-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("WITH activated AS (UPDATE terms SET is_active = TRUE, updated_at = $2 WHERE id = $1 RETURNING 1) SELECT COUNT(*) FROM activated")).
		WithArgs("term-2", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectCommit()

	require.NoError(t, repo.SetActive(context.Background(), "term-2"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTermRepositorySetActiveUnknownTerm(t *testing.T) {
	db, mock, cleanup := newTermRepoMock(t)
	defer cleanup()

	repo := NewTermRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE terms SET is_active = FALSE")).
		WithArgs(sqlmock.AnyArg(), "missing").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("WITH activated AS")).
		WithArgs("missing", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectRollback()

	err := repo.SetActive(context.Background(), "missing")
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTermRepositoryCreateAssignsID(t *testing.T) {
	db, mock, cleanup := newTermRepoMock(t)
	defer cleanup()

	repo := NewTermRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO terms")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	term := &models.Term{
		Name:         "Semester Ganjil 2025/2026",
		Type:         models.TermTypeSemester,
		AcademicYear: "2025/2026",
		StartDate:    time.Date(2025, 7, 14, 0, 0, 0, 0, time.UTC),
		EndDate:      time.Date(2025, 12, 19, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, repo.Create(context.Background(), term))
	require.NotEmpty(t, term.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTermRepositoryCountEvents(t *testing.T) {
	db, mock, cleanup := newTermRepoMock(t)
	defer cleanup()

	repo := NewTermRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM scored_events WHERE term_id = $1")).
		WithArgs("term-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	count, err := repo.CountEvents(context.Background(), "term-1")
	require.NoError(t, err)
	require.Equal(t, 4, count)
	require.NoError(t, mock.ExpectationsWereMet())
}
