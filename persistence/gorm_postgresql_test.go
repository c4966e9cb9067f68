package persistence_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/partysync/models"
	"github.com/wfunc/partysync/persistence"
	"github.com/wfunc/partysync/persistence/persistencetest"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func newSession(id, roomID string, createdAt time.Time) *models.GameSession {
	return &models.GameSession{
		ID:        id,
		RoomID:    roomID,
		GameType:  models.GameSurvey,
		Status:    models.SessionActive,
		CreatedBy: "p1",
		CreatedAt: createdAt,
	}
}

func TestUpsertAnswer_ReplacesValue(t *testing.T) {
	ctx := context.Background()
	store := persistencetest.NewSQLiteStore(t)

	require.NoError(t, store.UpsertAnswer(ctx, &models.Answer{ID: "a1", RoundID: "r1", ParticipantID: "p1", Value: datatypes.JSON(`true`)}))
	require.NoError(t, store.UpsertAnswer(ctx, &models.Answer{ID: "a2", RoundID: "r1", ParticipantID: "p1", Value: datatypes.JSON(`false`)}))
	require.NoError(t, store.UpsertAnswer(ctx, &models.Answer{ID: "a3", RoundID: "r1", ParticipantID: "p2", Value: datatypes.JSON(`true`)}))

	answers, err := store.ListAnswers(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, answers, 2)
	assert.Equal(t, "p1", answers[0].ParticipantID)
	assert.JSONEq(t, `false`, string(answers[0].Value))
}

func TestUpsertAnswer_ConcurrentResubmission(t *testing.T) {
	ctx := context.Background()
	store := persistencetest.NewSQLiteStore(t)

	var wg sync.WaitGroup
	for i, v := range []string{`1`, `2`, `3`, `4`} {
		wg.Add(1)
		go func(i int, v string) {
			defer wg.Done()
			_ = store.UpsertAnswer(ctx, &models.Answer{
				ID: string(rune('a' + i)), RoundID: "r1", ParticipantID: "p1", Value: datatypes.JSON(v),
			})
		}(i, v)
	}
	wg.Wait()

	answers, err := store.ListAnswers(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, answers, 1)
}

func TestGetActiveSession_MostRecentWins(t *testing.T) {
	ctx := context.Background()
	store := persistencetest.NewSQLiteStore(t)
	now := time.Now()

	require.NoError(t, store.CreateSession(ctx, newSession("s-old", "room", now.Add(-time.Minute))))
	require.NoError(t, store.CreateSession(ctx, newSession("s-new", "room", now)))
	require.NoError(t, store.CreateSession(ctx, newSession("s-other", "elsewhere", now.Add(time.Minute))))

	active, err := store.GetActiveSession(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, "s-new", active.ID)

	changed, err := store.UpdateSessionStatus(ctx, "s-new", models.SessionCompleted)
	require.NoError(t, err)
	assert.True(t, changed)

	active, err = store.GetActiveSession(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, "s-old", active.ID)
}

func TestGetActiveSession_TieBrokenByID(t *testing.T) {
	ctx := context.Background()
	store := persistencetest.NewSQLiteStore(t)
	at := time.Now()

	require.NoError(t, store.CreateSession(ctx, newSession("aaa", "room", at)))
	require.NoError(t, store.CreateSession(ctx, newSession("bbb", "room", at)))

	active, err := store.GetActiveSession(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, "bbb", active.ID)
}

func TestUpdateSessionStatus_CompletedIsTerminal(t *testing.T) {
	ctx := context.Background()
	store := persistencetest.NewSQLiteStore(t)
	require.NoError(t, store.CreateSession(ctx, newSession("s1", "room", time.Now())))

	changed, err := store.UpdateSessionStatus(ctx, "s1", models.SessionCompleted)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.UpdateSessionStatus(ctx, "s1", models.SessionActive)
	require.NoError(t, err)
	assert.False(t, changed)

	s, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, s.Status)
}

func TestUpdateSessionPhase_NeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	store := persistencetest.NewSQLiteStore(t)
	require.NoError(t, store.CreateSession(ctx, newSession("s1", "room", time.Now())))

	applied, err := store.UpdateSessionPhase(ctx, "s1", "sudden_death", 2, "", 20)
	require.NoError(t, err)
	assert.True(t, applied)

	// A late write from the first voting round loses.
	applied, err = store.UpdateSessionPhase(ctx, "s1", "vote", 1, "", 10)
	require.NoError(t, err)
	assert.False(t, applied)

	// Repeating the current position is a no-op as well.
	applied, err = store.UpdateSessionPhase(ctx, "s1", "sudden_death", 2, "", 20)
	require.NoError(t, err)
	assert.False(t, applied)

	s, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "sudden_death", s.Phase)
	assert.Equal(t, 2, s.VoteRound)
	assert.Equal(t, 20, s.Progress)
}

func TestGetActiveSession_NotFound(t *testing.T) {
	store := persistencetest.NewSQLiteStore(t)
	_, err := store.GetActiveSession(context.Background(), "empty")
	assert.ErrorIs(t, err, persistence.ErrRecordNotFound)
}

func TestCreateRound_DeactivatesPrevious(t *testing.T) {
	ctx := context.Background()
	store := persistencetest.NewSQLiteStore(t)

	require.NoError(t, store.CreateRound(ctx, &models.Round{ID: "r1", SessionID: "s1", Prompt: "first?", InitiatorID: "p1", CreatedAt: time.Now().Add(-time.Second)}))
	require.NoError(t, store.CreateRound(ctx, &models.Round{ID: "r2", SessionID: "s1", Prompt: "second?", InitiatorID: "p2", CreatedAt: time.Now()}))

	active, err := store.GetActiveRound(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "r2", active.ID)

	require.NoError(t, store.MarkRoundRevealed(ctx, "r2", time.Now()))
	active, err = store.GetActiveRound(ctx, "s1")
	require.NoError(t, err)
	assert.NotNil(t, active.RevealedAt)

	require.NoError(t, store.CloseRound(ctx, "r2"))
	_, err = store.GetActiveRound(ctx, "s1")
	assert.ErrorIs(t, err, persistence.ErrRecordNotFound)
}

func TestSaveVote_FirstVoteKept(t *testing.T) {
	ctx := context.Background()
	store := persistencetest.NewSQLiteStore(t)

	require.NoError(t, store.SaveVote(ctx, &models.Vote{ID: "v1", SessionID: "s1", VoterID: "a", TargetID: "b", RoundNumber: 1}))
	require.NoError(t, store.SaveVote(ctx, &models.Vote{ID: "v2", SessionID: "s1", VoterID: "a", TargetID: "c", RoundNumber: 1}))
	require.NoError(t, store.SaveVote(ctx, &models.Vote{ID: "v3", SessionID: "s1", VoterID: "a", TargetID: "c", RoundNumber: 2}))

	votes, err := store.ListVotes(ctx, "s1", 1)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, "b", votes[0].TargetID)
}

func TestParticipants_LivenessFilter(t *testing.T) {
	ctx := context.Background()
	store := persistencetest.NewSQLiteStore(t)
	now := time.Now()

	require.NoError(t, store.UpsertRoom(ctx, "room", now))
	require.NoError(t, store.SaveParticipant(ctx, &models.Participant{ID: "fresh", RoomID: "room", Nickname: "ann", Credential: "c1", Online: true, LastSeenAt: now}))
	require.NoError(t, store.SaveParticipant(ctx, &models.Participant{ID: "stale", RoomID: "room", Nickname: "bob", Credential: "c2", Online: true, LastSeenAt: now.Add(-time.Hour)}))

	online, err := store.ListParticipants(ctx, "room", now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "fresh", online[0].ID)

	assert.ErrorIs(t, store.TouchParticipant(ctx, "ghost", true, now), persistence.ErrRecordNotFound)
}

func TestIsConflict(t *testing.T) {
	assert.True(t, persistence.IsConflict(gorm.ErrDuplicatedKey))
	assert.True(t, persistence.IsConflict(&pgconn.PgError{Code: "23505"}))
	assert.False(t, persistence.IsConflict(&pgconn.PgError{Code: "40001"}))
	assert.False(t, persistence.IsConflict(nil))
}
