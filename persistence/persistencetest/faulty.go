package persistencetest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wfunc/partysync/models"
	"github.com/wfunc/partysync/persistence"
)

// ErrUnavailable is what FaultyStore returns while failing.
var ErrUnavailable = errors.New("store unavailable")

// FaultyStore wraps a Store and fails selected operations on demand.
type FaultyStore struct {
	persistence.Store

	mu    sync.Mutex
	down  bool
	fails map[string]int
	calls map[string]int
}

func NewFaultyStore(inner persistence.Store) *FaultyStore {
	return &FaultyStore{Store: inner, fails: make(map[string]int), calls: make(map[string]int)}
}

// SetDown makes every wrapped read and write fail until cleared.
func (f *FaultyStore) SetDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

// FailNext makes the next n calls of op fail.
func (f *FaultyStore) FailNext(op string, n int) {
	f.mu.Lock()
	f.fails[op] = n
	f.mu.Unlock()
}

// Calls reports how often op was invoked.
func (f *FaultyStore) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FaultyStore) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if f.down {
		return ErrUnavailable
	}
	if f.fails[op] > 0 {
		f.fails[op]--
		return ErrUnavailable
	}
	return nil
}

func (f *FaultyStore) GetActiveSession(ctx context.Context, roomID string) (*models.GameSession, error) {
	if err := f.check("GetActiveSession"); err != nil {
		return nil, err
	}
	return f.Store.GetActiveSession(ctx, roomID)
}

func (f *FaultyStore) CreateSession(ctx context.Context, s *models.GameSession) error {
	if err := f.check("CreateSession"); err != nil {
		return err
	}
	return f.Store.CreateSession(ctx, s)
}

func (f *FaultyStore) GetActiveRound(ctx context.Context, sessionID string) (*models.Round, error) {
	if err := f.check("GetActiveRound"); err != nil {
		return nil, err
	}
	return f.Store.GetActiveRound(ctx, sessionID)
}

func (f *FaultyStore) UpsertAnswer(ctx context.Context, a *models.Answer) error {
	if err := f.check("UpsertAnswer"); err != nil {
		return err
	}
	return f.Store.UpsertAnswer(ctx, a)
}

func (f *FaultyStore) ListAnswers(ctx context.Context, roundID string) ([]models.Answer, error) {
	if err := f.check("ListAnswers"); err != nil {
		return nil, err
	}
	return f.Store.ListAnswers(ctx, roundID)
}

func (f *FaultyStore) SaveVote(ctx context.Context, v *models.Vote) error {
	if err := f.check("SaveVote"); err != nil {
		return err
	}
	return f.Store.SaveVote(ctx, v)
}

func (f *FaultyStore) TouchParticipant(ctx context.Context, id string, online bool, at time.Time) error {
	if err := f.check("TouchParticipant"); err != nil {
		return err
	}
	return f.Store.TouchParticipant(ctx, id, online, at)
}
