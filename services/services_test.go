package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/partysync/broadcast"
	"github.com/wfunc/partysync/guard"
	"github.com/wfunc/partysync/models"
	"github.com/wfunc/partysync/persistence"
	"github.com/wfunc/partysync/persistence/persistencetest"
)

var fastPolicy = guard.RetryPolicy{Attempts: 3, Backoff: time.Millisecond}

type recorder struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (r *recorder) handle(ev broadcast.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Name
	}
	return out
}

func newSessionService(t *testing.T, store persistence.Store, hub *broadcast.MemoryHub, client string) *SessionService {
	t.Helper()
	ch := hub.Connect(client)
	t.Cleanup(func() { ch.Close() })
	return NewSessionService(store, broadcast.NewPublisher(ch, fastPolicy, nil), guard.New(fastPolicy, nil))
}

func TestCreateSession_DoubleClickIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := persistencetest.NewSQLiteStore(t)
	hub := broadcast.NewMemoryHub()
	svc := newSessionService(t, store, hub, "alice")

	var wg sync.WaitGroup
	ids := make([]string, 2)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := svc.CreateSession(ctx, "room", models.GameSurvey, "alice", CreateOptions{})
			assert.NoError(t, err)
			if s != nil {
				ids[i] = s.ID
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, ids[0], ids[1])
}

func TestCreateSession_RaceAcrossClientsConverges(t *testing.T) {
	ctx := context.Background()
	store := persistencetest.NewSQLiteStore(t)
	hub := broadcast.NewMemoryHub()
	alice := newSessionService(t, store, hub, "alice")
	bob := newSessionService(t, store, hub, "bob")

	var wg sync.WaitGroup
	created := make([]*models.GameSession, 2)
	for i, svc := range []*SessionService{alice, bob} {
		wg.Add(1)
		go func(i int, svc *SessionService, who string) {
			defer wg.Done()
			s, err := svc.CreateSession(ctx, "room", models.GameRanking, who, CreateOptions{})
			assert.NoError(t, err)
			created[i] = s
		}(i, svc, []string{"alice", "bob"}[i])
	}
	wg.Wait()
	require.NotEqual(t, created[0].ID, created[1].ID)

	fromAlice, err := alice.GetActiveSession(ctx, "room")
	require.NoError(t, err)
	fromBob, err := bob.GetActiveSession(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, fromAlice.ID, fromBob.ID)
}

func TestCreateSession_Validation(t *testing.T) {
	ctx := context.Background()
	svc := newSessionService(t, persistencetest.NewSQLiteStore(t), broadcast.NewMemoryHub(), "alice")

	_, err := svc.CreateSession(ctx, "room", models.GameSurvey, "", CreateOptions{})
	assert.ErrorIs(t, err, models.ErrMissingIdentity)

	_, err = svc.CreateSession(ctx, "room", models.GameType("poker"), "alice", CreateOptions{})
	assert.ErrorIs(t, err, models.ErrPrecondition)
}

func TestCreateSession_RetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	store := persistencetest.NewFaultyStore(persistencetest.NewSQLiteStore(t))
	store.FailNext("CreateSession", 2)
	svc := newSessionService(t, store, broadcast.NewMemoryHub(), "alice")

	s, err := svc.CreateSession(ctx, "room", models.GameSynchro, "alice", CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, store.Calls("CreateSession"))

	active, err := svc.GetActiveSession(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, s.ID, active.ID)
}

func TestCreateSession_ExhaustedRetries(t *testing.T) {
	store := persistencetest.NewFaultyStore(persistencetest.NewSQLiteStore(t))
	store.FailNext("CreateSession", 10)
	svc := newSessionService(t, store, broadcast.NewMemoryHub(), "alice")

	_, err := svc.CreateSession(context.Background(), "room", models.GameSynchro, "alice", CreateOptions{})
	assert.ErrorIs(t, err, guard.ErrRetriesExhausted)
	assert.ErrorIs(t, err, persistencetest.ErrUnavailable)
}

func TestEndSession(t *testing.T) {
	ctx := context.Background()
	store := persistencetest.NewSQLiteStore(t)
	hub := broadcast.NewMemoryHub()
	svc := newSessionService(t, store, hub, "alice")

	rec := &recorder{}
	peer := hub.Connect("bob")
	_, err := peer.Subscribe(broadcast.RoomTopic("room"), rec.handle)
	require.NoError(t, err)

	s, err := svc.CreateSession(ctx, "room", models.GameSurvey, "alice", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, svc.EndSession(ctx, s.ID))
	require.NoError(t, svc.EndSession(ctx, s.ID))
	assert.Equal(t, []string{broadcast.EventGameStart, broadcast.EventGameEnd}, rec.names())

	active, err := svc.GetActiveSession(ctx, "room")
	require.NoError(t, err)
	assert.Nil(t, active)

	// Completed is terminal.
	assert.ErrorIs(t, svc.CancelSession(ctx, s.ID), models.ErrPrecondition)
}

func TestCancelSession(t *testing.T) {
	ctx := context.Background()
	svc := newSessionService(t, persistencetest.NewSQLiteStore(t), broadcast.NewMemoryHub(), "alice")

	s, err := svc.CreateSession(ctx, "room", models.GameDeduction, "alice", CreateOptions{ReverseMode: true})
	require.NoError(t, err)
	assert.True(t, s.ReverseMode)

	require.NoError(t, svc.CancelSession(ctx, s.ID))
	require.NoError(t, svc.CancelSession(ctx, s.ID))
	assert.ErrorIs(t, svc.EndSession(ctx, s.ID), models.ErrPrecondition)
	assert.ErrorIs(t, svc.EndSession(ctx, "missing"), persistence.ErrRecordNotFound)
}
