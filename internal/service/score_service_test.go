package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-conduct-api/internal/models"
	"github.com/noah-isme/sma-conduct-api/internal/repository"
	appErrors "github.com/noah-isme/sma-conduct-api/pkg/errors"
)

type mockEventSummer struct {
	totals []int
	counts []int
	calls  int
	err    error
}

func (m *mockEventSummer) SumForStudent(ctx context.Context, q sqlx.ExtContext, studentID, termID string) (int, int, error) {
	if m.err != nil {
		return 0, 0, m.err
	}
	idx := m.calls
	if idx >= len(m.totals) {
		idx = len(m.totals) - 1
	}
	m.calls++
	return m.totals[idx], m.counts[idx], nil
}

type mockScoreStore struct {
	state    *models.StudentScoreState
	upserted *models.StudentScoreState
	states   []models.StudentScoreState
	findErr  error
}

func (m *mockScoreStore) Find(ctx context.Context, studentID, termID string) (*models.StudentScoreState, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	if m.state == nil {
		return nil, sql.ErrNoRows
	}
	return m.state, nil
}

func (m *mockScoreStore) Get(ctx context.Context, q sqlx.ExtContext, studentID, termID string) (*models.StudentScoreState, error) {
	return m.Find(ctx, studentID, termID)
}

func (m *mockScoreStore) Upsert(ctx context.Context, q sqlx.ExtContext, state *models.StudentScoreState) error {
	m.upserted = state
	return nil
}

func (m *mockScoreStore) ListForTerm(ctx context.Context, termID string) ([]models.StudentScoreState, error) {
	return m.states, nil
}

type stubTermResolver struct {
	term *models.Term
	err  error
}

func (s *stubTermResolver) Resolve(ctx context.Context, termID string) (*models.Term, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.term, nil
}

type stubScoreCache struct {
	store   map[string][]byte
	deleted []string
}

func (s *stubScoreCache) Get(_ context.Context, key string, dest interface{}) error {
	payload, ok := s.store[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(payload, dest)
}

func (s *stubScoreCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	if s.store == nil {
		s.store = make(map[string][]byte)
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.store[key] = payload
	return nil
}

func (s *stubScoreCache) Delete(_ context.Context, key string) error {
	s.deleted = append(s.deleted, key)
	delete(s.store, key)
	return nil
}

func TestScoreServiceRecomputeDerivesFromLedger(t *testing.T) {
	events := &mockEventSummer{totals: []int{-30, -30}, counts: []int{2, 2}}
	store := &mockScoreStore{state: &models.StudentScoreState{StudentID: "stu-1", TermID: "term-1", Total: -20}}
	svc := NewScoreService(events, store, &stubTermResolver{}, nil, time.Minute, zap.NewNop())

	oldTotal, newTotal, err := svc.Recompute(context.Background(), nil, "stu-1", "term-1")
	require.NoError(t, err)
	assert.Equal(t, -20, oldTotal)
	assert.Equal(t, -30, newTotal)
	require.NotNil(t, store.upserted)
	assert.Equal(t, -30, store.upserted.Total)
	assert.Equal(t, 2, store.upserted.EventCount)
}

func TestScoreServiceRecomputeFirstEventForPair(t *testing.T) {
	events := &mockEventSummer{totals: []int{-10, -10}, counts: []int{1, 1}}
	store := &mockScoreStore{}
	svc := NewScoreService(events, store, &stubTermResolver{}, nil, time.Minute, zap.NewNop())

	oldTotal, newTotal, err := svc.Recompute(context.Background(), nil, "stu-1", "term-1")
	require.NoError(t, err)
	assert.Equal(t, 0, oldTotal)
	assert.Equal(t, -10, newTotal)
}

func TestScoreServiceRecomputeDetectsLedgerDrift(t *testing.T) {
	// The verification re-sum disagreeing with the stored value means the
	// ledger was mutated outside the pair lock.
	events := &mockEventSummer{totals: []int{-30, -45}, counts: []int{2, 3}}
	store := &mockScoreStore{}
	svc := NewScoreService(events, store, &stubTermResolver{}, nil, time.Minute, zap.NewNop())

	_, _, err := svc.Recompute(context.Background(), nil, "stu-1", "term-1")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvariantViolation))
}

func TestScoreServiceCurrentTotalDefaultsToZero(t *testing.T) {
	term := sampleTerm("term-1", true)
	svc := NewScoreService(&mockEventSummer{totals: []int{0}, counts: []int{0}}, &mockScoreStore{}, &stubTermResolver{term: &term}, nil, time.Minute, zap.NewNop())

	score, err := svc.CurrentTotal(context.Background(), "stu-unknown", "")
	require.NoError(t, err)
	assert.Equal(t, 0, score.Total)
	assert.Equal(t, "term-1", score.TermID)
}

func TestScoreServiceCurrentTotalUsesCache(t *testing.T) {
	term := sampleTerm("term-1", true)
	cache := &stubScoreCache{}
	store := &mockScoreStore{state: &models.StudentScoreState{StudentID: "stu-1", TermID: "term-1", Total: -15}}
	svc := NewScoreService(&mockEventSummer{totals: []int{-15}, counts: []int{1}}, store, &stubTermResolver{term: &term}, cache, time.Minute, zap.NewNop())

	first, err := svc.CurrentTotal(context.Background(), "stu-1", "term-1")
	require.NoError(t, err)
	assert.Equal(t, -15, first.Total)

	// Second read is served from cache even after the store row changes.
	store.state.Total = -99
	second, err := svc.CurrentTotal(context.Background(), "stu-1", "term-1")
	require.NoError(t, err)
	assert.Equal(t, -15, second.Total)
}

func TestScoreServiceInvalidateCacheDropsKey(t *testing.T) {
	term := sampleTerm("term-1", true)
	cache := &stubScoreCache{}
	svc := NewScoreService(&mockEventSummer{totals: []int{0}, counts: []int{0}}, &mockScoreStore{}, &stubTermResolver{term: &term}, cache, time.Minute, zap.NewNop())

	_, err := svc.CurrentTotal(context.Background(), "stu-1", "term-1")
	require.NoError(t, err)

	svc.InvalidateCache(context.Background(), "stu-1", "term-1")
	assert.Contains(t, cache.deleted, repository.ScoreKey("stu-1", "term-1"))

	_, ok := cache.store[repository.ScoreKey("stu-1", "term-1")]
	assert.False(t, ok)
}
