package service

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-conduct-api/internal/models"
	"github.com/noah-isme/sma-conduct-api/pkg/config"
	appErrors "github.com/noah-isme/sma-conduct-api/pkg/errors"
)

// fakeEventStore is an in-memory ledger: Insert appends, SumForStudent sums,
// rows are never mutated.
type fakeEventStore struct {
	events     []models.ScoredEvent
	nextID     int
	insertErrs []error

	// afterInsertErr runs when an injected failure pops, standing in for work
	// another transaction commits before the retry.
	afterInsertErr func(f *fakeEventStore)
}

func (f *fakeEventStore) List(ctx context.Context, filter models.ScoredEventFilter) ([]models.ScoredEvent, int, error) {
	var out []models.ScoredEvent
	for _, e := range f.events {
		if filter.StudentID != "" && e.StudentID != filter.StudentID {
			continue
		}
		if filter.TermID != "" && e.TermID != filter.TermID {
			continue
		}
		out = append(out, e)
	}
	return out, len(out), nil
}

func (f *fakeEventStore) FindByID(ctx context.Context, id string) (*models.ScoredEvent, error) {
	for i := range f.events {
		if f.events[i].ID == id {
			e := f.events[i]
			return &e, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeEventStore) Insert(ctx context.Context, q sqlx.ExtContext, event *models.ScoredEvent) error {
	if len(f.insertErrs) > 0 {
		err := f.insertErrs[0]
		f.insertErrs = f.insertErrs[1:]
		if err != nil {
			if f.afterInsertErr != nil {
				f.afterInsertErr(f)
			}
			return err
		}
	}
	f.nextID++
	event.ID = fmt.Sprintf("evt-%d", f.nextID)
	f.events = append(f.events, *event)
	return nil
}

func (f *fakeEventStore) SumForStudent(ctx context.Context, q sqlx.ExtContext, studentID, termID string) (int, int, error) {
	total, count := 0, 0
	for _, e := range f.events {
		if e.StudentID == studentID && e.TermID == termID {
			total += e.PointDelta
			count++
		}
	}
	return total, count, nil
}

func (f *fakeEventStore) HasReversal(ctx context.Context, q sqlx.ExtContext, eventID string) (bool, error) {
	for _, e := range f.events {
		if e.ReversesID != nil && *e.ReversesID == eventID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeEventStore) ListDeltasForPair(ctx context.Context, q sqlx.ExtContext, studentID, termID string) ([]int, error) {
	var deltas []int
	for _, e := range f.events {
		if e.StudentID == studentID && e.TermID == termID {
			deltas = append(deltas, e.PointDelta)
		}
	}
	return deltas, nil
}

func (f *fakeEventStore) ListStudentIDs(ctx context.Context, termID string) ([]string, error) {
	seen := map[string]bool{}
	var ids []string
	for _, e := range f.events {
		if e.TermID == termID && !seen[e.StudentID] {
			seen[e.StudentID] = true
			ids = append(ids, e.StudentID)
		}
	}
	return ids, nil
}

// fakeRecomputer derives totals from the fake ledger the way the score
// aggregator does from the real one.
type fakeRecomputer struct {
	store       *fakeEventStore
	prev        map[string]int
	invalidated []string
	errs        []error
}

func (f *fakeRecomputer) Recompute(ctx context.Context, tx *sqlx.Tx, studentID, termID string) (int, int, error) {
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return 0, 0, err
		}
	}
	key := studentID + ":" + termID
	oldTotal := f.prev[key]
	newTotal, _, _ := f.store.SumForStudent(ctx, tx, studentID, termID)
	f.prev[key] = newTotal
	return oldTotal, newTotal, nil
}

func (f *fakeRecomputer) InvalidateCache(ctx context.Context, studentID, termID string) {
	f.invalidated = append(f.invalidated, studentID+":"+termID)
}

type fakeEscalationStore struct {
	records   []models.EscalationRecord
	nextID    int
	insertErr error

	// highestOverride fakes a stale HighestTier read to exercise the race
	// where another transaction fires the tier between read and insert.
	highestOverride *int
}

func (f *fakeEscalationStore) ListForStudent(ctx context.Context, studentID, termID string) ([]models.EscalationRecord, error) {
	var out []models.EscalationRecord
	for _, r := range f.records {
		if r.StudentID == studentID && (termID == "" || r.TermID == termID) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeEscalationStore) ListForTerm(ctx context.Context, termID string) ([]models.EscalationRecord, error) {
	var out []models.EscalationRecord
	for _, r := range f.records {
		if r.TermID == termID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeEscalationStore) FindByID(ctx context.Context, id string) (*models.EscalationRecord, error) {
	for i := range f.records {
		if f.records[i].ID == id {
			r := f.records[i]
			return &r, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *fakeEscalationStore) HighestTier(ctx context.Context, q sqlx.ExtContext, studentID, termID string) (int, error) {
	if f.highestOverride != nil {
		return *f.highestOverride, nil
	}
	highest := 0
	for _, r := range f.records {
		if r.StudentID == studentID && r.TermID == termID && r.TierLevel > highest {
			highest = r.TierLevel
		}
	}
	return highest, nil
}

func (f *fakeEscalationStore) Insert(ctx context.Context, q sqlx.ExtContext, record *models.EscalationRecord) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	for _, r := range f.records {
		if r.StudentID == record.StudentID && r.TermID == record.TermID && r.TierLevel == record.TierLevel {
			return &pq.Error{Code: "23505"}
		}
	}
	f.nextID++
	record.ID = fmt.Sprintf("esc-%d", f.nextID)
	f.records = append(f.records, *record)
	return nil
}

func (f *fakeEscalationStore) MarkDelivery(ctx context.Context, recordID string, status models.DeliveryStatus, letterPath string) error {
	for i := range f.records {
		if f.records[i].ID == recordID {
			f.records[i].DeliveryStatus = status
			if letterPath != "" {
				f.records[i].LetterPath = &letterPath
			}
			return nil
		}
	}
	return sql.ErrNoRows
}

type fakeTermGate struct {
	terms map[string]models.Term
}

func (f *fakeTermGate) Get(ctx context.Context, id string) (*models.Term, error) {
	if term, ok := f.terms[id]; ok {
		return &term, nil
	}
	return nil, appErrors.Clone(appErrors.ErrNotFound, "term not found")
}

func (f *fakeTermGate) GetActive(ctx context.Context) (*models.Term, error) {
	for _, term := range f.terms {
		if term.IsActive {
			active := term
			return &active, nil
		}
	}
	return nil, appErrors.ErrNoActiveTerm
}

func (f *fakeTermGate) Resolve(ctx context.Context, termID string) (*models.Term, error) {
	if termID != "" {
		return f.Get(ctx, termID)
	}
	return f.GetActive(ctx)
}

type fakeStudentReader struct {
	students map[string]models.Student
}

func (f *fakeStudentReader) FindByID(ctx context.Context, id string) (*models.Student, error) {
	if student, ok := f.students[id]; ok {
		return &student, nil
	}
	return nil, sql.ErrNoRows
}

type ledgerFixture struct {
	svc     *LedgerService
	esc     *EscalationService
	events  *fakeEventStore
	records *fakeEscalationStore
	recomp  *fakeRecomputer
	gate    *fakeTermGate
	mock    sqlmock.Sqlmock
}

func defaultTiers(t *testing.T) []config.TierSpec {
	t.Helper()
	tiers, err := config.ParseTiers("-25:Surat Peringatan 1,-50:Surat Peringatan 2,-75:Surat Peringatan 3")
	require.NoError(t, err)
	return tiers
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "sqlmock")
	t.Cleanup(func() { sqlxDB.Close() })

	events := &fakeEventStore{}
	records := &fakeEscalationStore{}
	recomp := &fakeRecomputer{store: events, prev: map[string]int{}}
	gate := &fakeTermGate{terms: map[string]models.Term{
		"term-1": sampleTerm("term-1", true),
		"term-0": sampleTerm("term-0", false),
	}}
	students := &fakeStudentReader{students: map[string]models.Student{
		"stu-1": {ID: "stu-1", NIS: "12345", FullName: "Budi Santoso"},
	}}

	esc := NewEscalationService(defaultTiers(t), records, events, recomp, gate, students, sqlxDB, nil, nil, zap.NewNop())
	svc := NewLedgerService(sqlxDB, events, gate, students, recomp, esc, nil, nil, zap.NewNop())

	return &ledgerFixture{svc: svc, esc: esc, events: events, records: records, recomp: recomp, gate: gate, mock: mock}
}

// expectAppendTx queues the transaction shape of one successful append:
// begin, the pair advisory lock, commit.
func expectAppendTx(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
}

func expectFailedAppendTx(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
}

func (fx *ledgerFixture) append(t *testing.T, kind string, points int, reason string) (*AppendResult, error) {
	t.Helper()
	return fx.svc.Append(context.Background(), AppendEventRequest{
		StudentID: "stu-1",
		Kind:      kind,
		Points:    points,
		Reason:    reason,
		CreatedBy: "tch-1",
	})
}

func TestLedgerAppendRecomputesAndFires(t *testing.T) {
	fx := newLedgerFixture(t)

	expectAppendTx(fx.mock)
	result, err := fx.append(t, "VIOLATION", -30, "merokok di lingkungan sekolah")
	require.NoError(t, err)
	assert.Equal(t, 0, result.OldTotal)
	assert.Equal(t, -30, result.NewTotal)
	require.NotNil(t, result.Fired)
	assert.Equal(t, 1, result.Fired.TierLevel)
	assert.Equal(t, "Surat Peringatan 1", result.Fired.TierLabel)
	assert.Equal(t, -30, result.Fired.TriggeringTotal)
	assert.Contains(t, fx.recomp.invalidated, "stu-1:term-1")

	require.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestLedgerWorkedScenario(t *testing.T) {
	fx := newLedgerFixture(t)

	// Violation to -20: below no threshold, nothing fires.
	expectAppendTx(fx.mock)
	result, err := fx.append(t, "VIOLATION", -20, "terlambat berulang")
	require.NoError(t, err)
	assert.Equal(t, -20, result.NewTotal)
	assert.Nil(t, result.Fired)

	// Violation to -30: crosses -25, tier 1 fires.
	expectAppendTx(fx.mock)
	result, err = fx.append(t, "VIOLATION", -10, "membolos")
	require.NoError(t, err)
	assert.Equal(t, -30, result.NewTotal)
	require.NotNil(t, result.Fired)
	assert.Equal(t, 1, result.Fired.TierLevel)

	// Adjustment +15 back to -15: above the tier 1 threshold, but the fired
	// record stays on file. Escalation is a one-way ratchet.
	expectAppendTx(fx.mock)
	result, err = fx.append(t, "ADJUSTMENT", 15, "mediasi dengan wali kelas")
	require.NoError(t, err)
	assert.Equal(t, -15, result.NewTotal)
	assert.Nil(t, result.Fired)
	assert.Len(t, fx.records.records, 1)

	// Violation to -55: crosses -25 and -50. Only the highest newly crossed
	// tier fires, and tier 1 does not fire again.
	expectAppendTx(fx.mock)
	result, err = fx.append(t, "VIOLATION", -40, "perkelahian")
	require.NoError(t, err)
	assert.Equal(t, -55, result.NewTotal)
	require.NotNil(t, result.Fired)
	assert.Equal(t, 2, result.Fired.TierLevel)
	assert.Len(t, fx.records.records, 2)

	require.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestLedgerAdjustmentClampsAtZero(t *testing.T) {
	fx := newLedgerFixture(t)

	expectAppendTx(fx.mock)
	_, err := fx.append(t, "VIOLATION", -15, "seragam tidak lengkap")
	require.NoError(t, err)

	// Requesting +40 from -15 only moves the total to zero, never past it.
	expectAppendTx(fx.mock)
	result, err := fx.append(t, "ADJUSTMENT", 40, "banding diterima")
	require.NoError(t, err)
	assert.Equal(t, 0, result.NewTotal)
	assert.Equal(t, 15, result.Event.PointDelta)

	// At zero a further adjustment records a zero-delta event.
	expectAppendTx(fx.mock)
	result, err = fx.append(t, "ADJUSTMENT", 10, "banding kedua")
	require.NoError(t, err)
	assert.Equal(t, 0, result.NewTotal)
	assert.Equal(t, 0, result.Event.PointDelta)

	require.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestLedgerAppendSignValidation(t *testing.T) {
	fx := newLedgerFixture(t)

	cases := []struct {
		name   string
		kind   string
		points int
	}{
		{"violation must be negative", "VIOLATION", 10},
		{"achievement must be positive", "ACHIEVEMENT", -5},
		{"adjustment must be positive", "ADJUSTMENT", -5},
		{"reversal not appendable directly", "REVERSAL", -5},
		{"unknown kind", "DETENTION", -5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fx.append(t, tc.kind, tc.points, "alasan")
			require.Error(t, err)
			assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
		})
	}
}

func TestLedgerAppendRequiresActiveTerm(t *testing.T) {
	fx := newLedgerFixture(t)
	fx.gate.terms = map[string]models.Term{"term-0": sampleTerm("term-0", false)}

	_, err := fx.append(t, "VIOLATION", -10, "membolos")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNoActiveTerm))
}

func TestLedgerAppendRefusesClosedTerm(t *testing.T) {
	fx := newLedgerFixture(t)

	_, err := fx.svc.Append(context.Background(), AppendEventRequest{
		StudentID: "stu-1",
		TermID:    "term-0",
		Kind:      "VIOLATION",
		Points:    -10,
		Reason:    "membolos",
		CreatedBy: "tch-1",
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrTermClosed))
}

func TestLedgerAppendUnknownStudent(t *testing.T) {
	fx := newLedgerFixture(t)

	_, err := fx.svc.Append(context.Background(), AppendEventRequest{
		StudentID: "stu-missing",
		Kind:      "VIOLATION",
		Points:    -10,
		Reason:    "membolos",
		CreatedBy: "tch-1",
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestLedgerAppendRetriesSerializationConflict(t *testing.T) {
	fx := newLedgerFixture(t)
	fx.events.insertErrs = []error{&pq.Error{Code: "40001"}}

	expectFailedAppendTx(fx.mock)
	expectAppendTx(fx.mock)

	result, err := fx.append(t, "VIOLATION", -10, "membolos")
	require.NoError(t, err)
	assert.Equal(t, -10, result.NewTotal)

	require.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestLedgerAdjustmentReclampsFromRequestedOnRetry(t *testing.T) {
	fx := newLedgerFixture(t)

	expectAppendTx(fx.mock)
	_, err := fx.append(t, "VIOLATION", -30, "merokok di lingkungan sekolah")
	require.NoError(t, err)

	// A conflicting -40 violation commits between the failed first attempt and
	// the retry. The retry clamps the caller's +45 against the fresh total
	// (-70), not the first attempt's clamp against -30.
	fx.events.insertErrs = []error{&pq.Error{Code: "40001"}}
	fx.events.afterInsertErr = func(f *fakeEventStore) {
		f.nextID++
		f.events = append(f.events, models.ScoredEvent{
			ID:         fmt.Sprintf("evt-%d", f.nextID),
			StudentID:  "stu-1",
			TermID:     "term-1",
			Kind:       models.EventKindViolation,
			PointDelta: -40,
			CreatedBy:  "tch-9",
		})
	}

	expectFailedAppendTx(fx.mock)
	expectAppendTx(fx.mock)

	result, err := fx.append(t, "ADJUSTMENT", 45, "banding diterima")
	require.NoError(t, err)
	assert.Equal(t, 45, result.Event.PointDelta)
	assert.Equal(t, -25, result.NewTotal)

	require.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestLedgerAppendGivesUpAfterRepeatedConflicts(t *testing.T) {
	fx := newLedgerFixture(t)
	fx.events.insertErrs = []error{
		&pq.Error{Code: "40001"},
		&pq.Error{Code: "40P01"},
		&pq.Error{Code: "40001"},
	}

	expectFailedAppendTx(fx.mock)
	expectFailedAppendTx(fx.mock)
	expectFailedAppendTx(fx.mock)

	_, err := fx.append(t, "VIOLATION", -10, "membolos")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrTransient))

	require.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestLedgerReverseCompensates(t *testing.T) {
	fx := newLedgerFixture(t)

	expectAppendTx(fx.mock)
	original, err := fx.append(t, "VIOLATION", -30, "salah input")
	require.NoError(t, err)

	expectAppendTx(fx.mock)
	result, err := fx.svc.Reverse(context.Background(), original.Event.ID, "entri keliru", "tch-2")
	require.NoError(t, err)
	assert.Equal(t, models.EventKindReversal, result.Event.Kind)
	assert.Equal(t, 30, result.Event.PointDelta)
	assert.Equal(t, 0, result.NewTotal)
	require.NotNil(t, result.Event.ReversesID)
	assert.Equal(t, original.Event.ID, *result.Event.ReversesID)

	// The fired tier 1 record survives the reversal.
	assert.Len(t, fx.records.records, 1)

	require.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestLedgerReverseOnlyOnce(t *testing.T) {
	fx := newLedgerFixture(t)

	expectAppendTx(fx.mock)
	original, err := fx.append(t, "VIOLATION", -10, "salah input")
	require.NoError(t, err)

	expectAppendTx(fx.mock)
	_, err = fx.svc.Reverse(context.Background(), original.Event.ID, "entri keliru", "tch-2")
	require.NoError(t, err)

	expectFailedAppendTx(fx.mock)
	_, err = fx.svc.Reverse(context.Background(), original.Event.ID, "entri keliru lagi", "tch-2")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))

	require.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestLedgerReverseOfReversalRefused(t *testing.T) {
	fx := newLedgerFixture(t)

	expectAppendTx(fx.mock)
	original, err := fx.append(t, "VIOLATION", -10, "salah input")
	require.NoError(t, err)

	expectAppendTx(fx.mock)
	reversal, err := fx.svc.Reverse(context.Background(), original.Event.ID, "entri keliru", "tch-2")
	require.NoError(t, err)

	_, err = fx.svc.Reverse(context.Background(), reversal.Event.ID, "membatalkan pembatalan", "tch-2")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrPreconditionFailed))
}

func TestLedgerListForStudentNewestFirstPagination(t *testing.T) {
	fx := newLedgerFixture(t)

	expectAppendTx(fx.mock)
	_, err := fx.append(t, "VIOLATION", -10, "membolos")
	require.NoError(t, err)
	expectAppendTx(fx.mock)
	_, err = fx.append(t, "ACHIEVEMENT", 5, "juara lomba")
	require.NoError(t, err)

	events, pagination, err := fx.svc.ListForStudent(context.Background(), "stu-1", "", 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, 1, pagination.Page)
	assert.Equal(t, 2, pagination.TotalCount)
}
