package reconcile_test

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
	"github.com/wfunc/partysync/reconcile"
	"github.com/wfunc/partysync/rounds"
	"github.com/wfunc/partysync/services"
	"gorm.io/datatypes"
)

var fastPolicy = guard.RetryPolicy{Attempts: 2, Backoff: time.Millisecond}

type sources struct {
	mu   sync.Mutex
	seen []string
}

func (s *sources) ObserveReconcile(source string, _ time.Duration) {
	s.mu.Lock()
	s.seen = append(s.seen, source)
	s.mu.Unlock()
}

func (s *sources) IncEventsReceived(string) {}

func (s *sources) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

type client struct {
	survey  *rounds.Engine[bool]
	ranking *rounds.Engine[int]
	rec     *reconcile.Reconciler
	pub     *broadcast.Publisher
	guard   *guard.Guard
}

func newClient(t *testing.T, store persistence.Store, ch broadcast.Channel, id string, snaps reconcile.SnapshotStore, obs reconcile.Observer) *client {
	t.Helper()
	pub := broadcast.NewPublisher(ch, fastPolicy, nil)
	g := guard.New(fastPolicy, nil)
	cfg := rounds.Config{
		RoomID:    "room",
		Self:      models.Participant{ID: id, Nickname: id},
		Store:     store,
		Publisher: pub,
		Guard:     g,
		CacheTTL:  time.Second,
	}
	c := &client{
		survey:  rounds.New(rounds.Survey, cfg),
		ranking: rounds.New(rounds.Ranking, cfg),
		pub:     pub,
		guard:   g,
	}
	c.rec = reconcile.New(reconcile.Config{
		RoomID:    "room",
		Store:     store,
		Channel:   ch,
		Rounds:    []reconcile.RoundEngine{c.survey, c.ranking},
		Snapshots: snaps,
		Observer:  obs,
	})
	return c
}

func seedSurvey(t *testing.T, store persistence.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateSession(ctx, &models.GameSession{
		ID: "s1", RoomID: "room", GameType: models.GameSurvey, Status: models.SessionActive, CreatedBy: "alice", CreatedAt: time.Now(),
	}))
	require.NoError(t, store.CreateRound(ctx, &models.Round{ID: "r1", SessionID: "s1", Prompt: "Tea?", InitiatorID: "alice", CreatedAt: time.Now()}))
	require.NoError(t, store.UpsertAnswer(ctx, &models.Answer{ID: "a1", RoundID: "r1", ParticipantID: "alice", Value: datatypes.JSON(`true`)}))
	require.NoError(t, store.UpsertAnswer(ctx, &models.Answer{ID: "a2", RoundID: "r1", ParticipantID: "me", Value: datatypes.JSON(`false`)}))
}

func TestSync_LateJoinerRecoversRound(t *testing.T) {
	store := persistencetest.NewSQLiteStore(t)
	seedSurvey(t, store)
	c := newClient(t, store, broadcast.NewMemoryHub().Connect("me"), "me", nil, nil)

	view, err := c.rec.Sync(context.Background())
	require.NoError(t, err)
	assert.False(t, view.Stale)
	require.NotNil(t, view.Session)
	assert.Equal(t, "s1", view.Session.ID)
	assert.Len(t, view.Answers, 2)

	v := c.survey.Snapshot()
	assert.Equal(t, rounds.Collecting, v.Phase)
	require.NotNil(t, v.Round)
	assert.Equal(t, "Tea?", v.Round.Prompt)
	assert.Equal(t, 2, v.AnsweredCount)
	assert.True(t, v.HasAnswered)
	require.NotNil(t, v.MyAnswer)
	assert.False(t, *v.MyAnswer)

	assert.Equal(t, rounds.AwaitingInitiator, c.ranking.Phase())
	assert.Empty(t, c.ranking.Snapshot().SessionID)
}

func TestSync_EndedSessionResets(t *testing.T) {
	ctx := context.Background()
	store := persistencetest.NewSQLiteStore(t)
	seedSurvey(t, store)
	c := newClient(t, store, broadcast.NewMemoryHub().Connect("me"), "me", nil, nil)

	_, err := c.rec.Sync(ctx)
	require.NoError(t, err)
	_, err = store.UpdateSessionStatus(ctx, "s1", models.SessionCompleted)
	require.NoError(t, err)

	view, err := c.rec.Sync(ctx)
	require.NoError(t, err)
	assert.Nil(t, view.Session)
	assert.Empty(t, c.survey.Snapshot().SessionID)
	assert.Nil(t, c.survey.Snapshot().Round)
}

func TestSync_SnapshotOnlyWhenStoreFails(t *testing.T) {
	ctx := context.Background()
	inner := persistencetest.NewSQLiteStore(t)
	seedSurvey(t, inner)
	store := persistencetest.NewFaultyStore(inner)
	obs := &sources{}
	c := newClient(t, store, broadcast.NewMemoryHub().Connect("me"), "me", reconcile.NewMemorySnapshots(time.Minute), obs)

	first, err := c.rec.Sync(ctx)
	require.NoError(t, err)
	assert.False(t, first.Stale)

	store.SetDown(true)
	view, err := c.rec.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, view.Stale)
	require.NotNil(t, view.Round)
	assert.Equal(t, "r1", view.Round.ID)
	assert.Equal(t, 2, c.survey.Snapshot().AnsweredCount)

	// The store wins as soon as it answers again, even over a newer snapshot.
	store.SetDown(false)
	require.NoError(t, inner.UpsertAnswer(ctx, &models.Answer{ID: "a3", RoundID: "r1", ParticipantID: "bob", Value: datatypes.JSON(`true`)}))
	view, err = c.rec.Sync(ctx)
	require.NoError(t, err)
	assert.False(t, view.Stale)
	assert.Equal(t, 3, c.survey.Snapshot().AnsweredCount)

	assert.Equal(t, []string{reconcile.SourceStore, reconcile.SourceSnapshot, reconcile.SourceStore}, obs.list())
}

func TestSync_StoreDownWithoutSnapshot(t *testing.T) {
	store := persistencetest.NewFaultyStore(persistencetest.NewSQLiteStore(t))
	store.SetDown(true)
	c := newClient(t, store, broadcast.NewMemoryHub().Connect("me"), "me", reconcile.NewMemorySnapshots(time.Minute), nil)

	_, err := c.rec.Sync(context.Background())
	assert.ErrorIs(t, err, persistencetest.ErrUnavailable)
	assert.Nil(t, c.rec.Last())
}

func TestSync_ConcurrentCreatorsConverge(t *testing.T) {
	ctx := context.Background()
	store := persistencetest.NewSQLiteStore(t)
	hub := broadcast.NewMemoryHub()
	alice := newClient(t, store, hub.Connect("alice"), "alice", nil, nil)
	bob := newClient(t, store, hub.Connect("bob"), "bob", nil, nil)

	var wg sync.WaitGroup
	for id, c := range map[string]*client{"alice": alice, "bob": bob} {
		wg.Add(1)
		go func(id string, c *client) {
			defer wg.Done()
			svc := services.NewSessionService(store, c.pub, c.guard)
			_, err := svc.CreateSession(ctx, "room", models.GameSurvey, id, services.CreateOptions{})
			assert.NoError(t, err)
		}(id, c)
	}
	wg.Wait()

	a, err := alice.rec.Sync(ctx)
	require.NoError(t, err)
	b, err := bob.rec.Sync(ctx)
	require.NoError(t, err)
	require.NotNil(t, a.Session)
	require.NotNil(t, b.Session)
	assert.Equal(t, a.Session.ID, b.Session.ID)
	assert.Equal(t, alice.survey.Snapshot().SessionID, bob.survey.Snapshot().SessionID)
}

func TestStart_RoutesEventsAndResyncs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := persistencetest.NewSQLiteStore(t)
	hub := broadcast.NewMemoryHub()
	alice := newClient(t, store, hub.Connect("alice"), "alice", nil, nil)
	bob := newClient(t, store, hub.Connect("bob"), "bob", nil, nil)

	require.NoError(t, bob.rec.Start(ctx))
	defer bob.rec.Stop()
	assert.Nil(t, bob.rec.Last().Session)

	svc := services.NewSessionService(store, alice.pub, alice.guard)
	session, err := svc.CreateSession(ctx, "room", models.GameSurvey, "alice", services.CreateOptions{})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return bob.survey.Snapshot().SessionID == session.ID
	}, time.Second, 5*time.Millisecond)

	_, err = alice.rec.Sync(ctx)
	require.NoError(t, err)
	require.NoError(t, alice.survey.ClaimInitiator(ctx))
	assert.Equal(t, rounds.InitiatorChosen, bob.survey.Phase())
	assert.Equal(t, "alice", bob.survey.Snapshot().InitiatorID)

	bob.rec.Stop()
	require.NoError(t, svc.EndSession(ctx, session.ID))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, session.ID, bob.survey.Snapshot().SessionID)
}
