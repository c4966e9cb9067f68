package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/partysync/broadcast"
	"github.com/wfunc/partysync/models"
	"github.com/wfunc/partysync/persistence/persistencetest"
)

func newParticipantService(t *testing.T, hub *broadcast.MemoryHub, now *time.Time) *ParticipantService {
	t.Helper()
	ch := hub.Connect("server")
	t.Cleanup(func() { ch.Close() })
	svc := NewParticipantService(persistencetest.NewSQLiteStore(t), broadcast.NewPublisher(ch, fastPolicy, nil), time.Minute)
	svc.now = func() time.Time { return *now }
	return svc
}

func TestJoin_NicknameRules(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	hub := broadcast.NewMemoryHub()
	svc := newParticipantService(t, hub, &now)

	rec := &recorder{}
	peer := hub.Connect("peer")
	_, err := peer.Subscribe(broadcast.RoomTopic("room"), rec.handle)
	require.NoError(t, err)

	ann, err := svc.Join(ctx, "room", "ann", "cred-1")
	require.NoError(t, err)

	// Same browser session rejoins as the same participant.
	again, err := svc.Join(ctx, "room", "ann", "cred-1")
	require.NoError(t, err)
	assert.Equal(t, ann.ID, again.ID)

	_, err = svc.Join(ctx, "room", "ann", "cred-2")
	assert.ErrorIs(t, err, ErrNicknameTaken)
	assert.ErrorIs(t, err, models.ErrPrecondition)

	// After the liveness window the row can be taken over.
	now = now.Add(2 * time.Minute)
	taken, err := svc.Join(ctx, "room", "ann", "cred-2")
	require.NoError(t, err)
	assert.Equal(t, ann.ID, taken.ID)

	_, err = svc.Confirm(ctx, ann.ID, "cred-1")
	assert.ErrorIs(t, err, models.ErrMissingIdentity)
	_, err = svc.Confirm(ctx, ann.ID, "cred-2")
	assert.NoError(t, err)

	assert.Equal(t, []string{broadcast.EventParticipantUpdate, broadcast.EventParticipantUpdate, broadcast.EventParticipantUpdate}, rec.names())
}

func TestPresence(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	svc := newParticipantService(t, broadcast.NewMemoryHub(), &now)

	ann, err := svc.Join(ctx, "room", "ann", "a")
	require.NoError(t, err)
	bob, err := svc.Join(ctx, "room", "bob", "b")
	require.NoError(t, err)

	now = now.Add(50 * time.Second)
	require.NoError(t, svc.Heartbeat(ctx, ann.ID))
	now = now.Add(30 * time.Second)

	online, err := svc.Online(ctx, "room")
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, ann.ID, online[0].ID)

	require.NoError(t, svc.Leave(ctx, ann.ID))
	online, err = svc.Online(ctx, "room")
	require.NoError(t, err)
	assert.Empty(t, online)

	assert.ErrorIs(t, svc.Heartbeat(ctx, "ghost"), models.ErrMissingIdentity)
	_, err = svc.Confirm(ctx, "", "x")
	assert.ErrorIs(t, err, models.ErrMissingIdentity)
	_ = bob
}
