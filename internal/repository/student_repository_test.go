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

func newStudentRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func studentRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "nis", "full_name", "gender", "guardian_contact", "active", "created_at", "updated_at"})
}

func TestStudentRepositoryListSearchAndActive(t *testing.T) {
	db, mock, cleanup := newStudentRepoMock(t)
	defer cleanup()

	repo := NewStudentRepository(db)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, nis, full_name, gender, guardian_contact, active, created_at, updated_at FROM students WHERE 1=1 AND (full_name ILIKE $1 OR nis ILIKE $1) AND active = $2 ORDER BY full_name ASC LIMIT 20 OFFSET 0")).
		WithArgs("%budi%", true).
		WillReturnRows(studentRows().
			AddRow("stu-1", "2025001", "Budi Santoso", "M", "0812000111", true, now, now))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM students WHERE 1=1 AND (full_name ILIKE $1 OR nis ILIKE $1) AND active = $2")).
		WithArgs("%budi%", true).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	active := true
	students, total, err := repo.List(context.Background(), models.StudentFilter{Search: "budi", Active: &active})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, students, 1)
	require.Equal(t, "Budi Santoso", students[0].FullName)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryListRejectsUnknownSortColumn(t *testing.T) {
	db, mock, cleanup := newStudentRepoMock(t)
	defer cleanup()

	repo := NewStudentRepository(db)

	// "nis; DROP TABLE" is not in the allowlist, so the query falls back
	// to sorting by full_name.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, nis, full_name, gender, guardian_contact, active, created_at, updated_at FROM students WHERE 1=1 ORDER BY full_name DESC LIMIT 5 OFFSET 5")).
		WillReturnRows(studentRows())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM students WHERE 1=1")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	_, total, err := repo.List(context.Background(), models.StudentFilter{
		SortBy:    "nis; DROP TABLE",
		SortOrder: "desc",
		Page:      2,
		PageSize:  5,
	})
	require.NoError(t, err)
	require.Equal(t, 0, total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryFindByIDMissing(t *testing.T) {
	db, mock, cleanup := newStudentRepoMock(t)
	defer cleanup()

	repo := NewStudentRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, nis, full_name, gender, guardian_contact, active, created_at, updated_at FROM students WHERE id = $1")).
		WithArgs("stu-404").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByID(context.Background(), "stu-404")
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryCreateAssignsID(t *testing.T) {
	db, mock, cleanup := newStudentRepoMock(t)
	defer cleanup()

	repo := NewStudentRepository(db)
	mock.ExpectExec("INSERT INTO students").
		WillReturnResult(sqlmock.NewResult(0, 1))

	student := &models.Student{NIS: "2025002", FullName: "Siti Rahma", Active: true}
	require.NoError(t, repo.Create(context.Background(), student))
	require.NotEmpty(t, student.ID)
	require.False(t, student.CreatedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryUpdateTouchesTimestamp(t *testing.T) {
	db, mock, cleanup := newStudentRepoMock(t)
	defer cleanup()

	repo := NewStudentRepository(db)
	mock.ExpectExec("UPDATE students SET").
		WillReturnResult(sqlmock.NewResult(0, 1))

	student := &models.Student{ID: "stu-1", NIS: "2025001", FullName: "Budi Santoso", Active: false}
	before := student.UpdatedAt
	require.NoError(t, repo.Update(context.Background(), student))
	require.True(t, student.UpdatedAt.After(before))
	require.NoError(t, mock.ExpectationsWereMet())
}
