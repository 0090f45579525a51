package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-conduct-api/internal/models"
)

func newEventRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestEventRepositoryInsertDefaults(t *testing.T) {
	db, mock, cleanup := newEventRepoMock(t)
	defer cleanup()

	repo := NewEventRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO scored_events")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	event := &models.ScoredEvent{
		StudentID:  "stu-1",
		TermID:     "term-1",
		Kind:       models.EventKindViolation,
		PointDelta: -10,
		Reason:     "membolos",
		CreatedBy:  "tch-1",
	}
	require.NoError(t, repo.Insert(context.Background(), db, event))
	require.NotEmpty(t, event.ID)
	require.False(t, event.CreatedAt.IsZero())
	require.Equal(t, event.CreatedAt, event.EffectiveDate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepositorySumForStudent(t *testing.T) {
	db, mock, cleanup := newEventRepoMock(t)
	defer cleanup()

	repo := NewEventRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(SUM(point_delta),0) AS total, COUNT(*) AS event_count FROM scored_events WHERE student_id = $1 AND term_id = $2")).
		WithArgs("stu-1", "term-1").
		WillReturnRows(sqlmock.NewRows([]string{"total", "event_count"}).AddRow(-35, 3))

	total, count, err := repo.SumForStudent(context.Background(), db, "stu-1", "term-1")
	require.NoError(t, err)
	require.Equal(t, -35, total)
	require.Equal(t, 3, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepositorySumForStudentEmptyLedger(t *testing.T) {
	db, mock, cleanup := newEventRepoMock(t)
	defer cleanup()

	repo := NewEventRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("COALESCE(SUM(point_delta),0)")).
		WithArgs("stu-unknown", "term-1").
		WillReturnRows(sqlmock.NewRows([]string{"total", "event_count"}).AddRow(0, 0))

	total, count, err := repo.SumForStudent(context.Background(), db, "stu-unknown", "term-1")
	require.NoError(t, err)
	require.Equal(t, 0, total)
	require.Equal(t, 0, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepositoryListByStudentAndTerm(t *testing.T) {
	db, mock, cleanup := newEventRepoMock(t)
	defer cleanup()

	repo := NewEventRepository(db)
	rows := sqlmock.NewRows([]string{"id", "student_id", "term_id", "kind", "point_delta", "effective_date", "reason", "created_by", "reverses_id", "created_at"}).
		AddRow("evt-2", "stu-1", "term-1", "ACHIEVEMENT", 5, time.Now(), "juara lomba", "tch-1", nil, time.Now()).
		AddRow("evt-1", "stu-1", "term-1", "VIOLATION", -10, time.Now().Add(-time.Hour), "membolos", "tch-1", nil, time.Now().Add(-time.Hour))

	mock.ExpectQuery(regexp.QuoteMeta("FROM scored_events WHERE 1=1 AND student_id = $1 AND term_id = $2 ORDER BY effective_date DESC, created_at DESC")).
		WithArgs("stu-1", "term-1").
		WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM scored_events WHERE 1=1 AND student_id = $1 AND term_id = $2")).
		WithArgs("stu-1", "term-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	events, total, err := repo.List(context.Background(), models.ScoredEventFilter{StudentID: "stu-1", TermID: "term-1"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, 2, total)
	require.Equal(t, "evt-2", events[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepositoryListStudentIDs(t *testing.T) {
	db, mock, cleanup := newEventRepoMock(t)
	defer cleanup()

	repo := NewEventRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT student_id FROM scored_events WHERE term_id = $1 ORDER BY student_id")).
		WithArgs("term-1").
		WillReturnRows(sqlmock.NewRows([]string{"student_id"}).AddRow("stu-1").AddRow("stu-2"))

	ids, err := repo.ListStudentIDs(context.Background(), "term-1")
	require.NoError(t, err)
	require.Equal(t, []string{"stu-1", "stu-2"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepositoryListDeltasForPairChronological(t *testing.T) {
	db, mock, cleanup := newEventRepoMock(t)
	defer cleanup()

	repo := NewEventRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT point_delta FROM scored_events WHERE student_id = $1 AND term_id = $2 ORDER BY effective_date ASC, created_at ASC")).
		WithArgs("stu-1", "term-1").
		WillReturnRows(sqlmock.NewRows([]string{"point_delta"}).AddRow(-30).AddRow(15).AddRow(-40))

	deltas, err := repo.ListDeltasForPair(context.Background(), db, "stu-1", "term-1")
	require.NoError(t, err)
	require.Equal(t, []int{-30, 15, -40}, deltas)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepositoryHasReversal(t *testing.T) {
	db, mock, cleanup := newEventRepoMock(t)
	defer cleanup()

	repo := NewEventRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM scored_events WHERE reverses_id = $1")).
		WithArgs("evt-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	reversed, err := repo.HasReversal(context.Background(), db, "evt-1")
	require.NoError(t, err)
	require.True(t, reversed)
	require.NoError(t, mock.ExpectationsWereMet())
}
