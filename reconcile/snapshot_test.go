package reconcile

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/partysync/models"
	"gorm.io/datatypes"
)

func sampleView(at time.Time) View {
	return View{
		Session: &models.GameSession{ID: "s1", RoomID: "room/1", GameType: models.GameSynchro, Status: models.SessionActive},
		Round:   &models.Round{ID: "r1", SessionID: "s1", Prompt: "Name a fruit", Active: true},
		Answers: []models.Answer{
			{ID: "a1", RoundID: "r1", ParticipantID: "p1", Value: datatypes.JSON(`"kiwi"`)},
		},
		FetchedAt: at,
	}
}

func TestFileSnapshots_SaveLoad(t *testing.T) {
	snaps, err := NewFileSnapshots(t.TempDir(), time.Minute)
	require.NoError(t, err)

	_, err = snaps.Load("room/1")
	assert.ErrorIs(t, err, ErrNoSnapshot)

	want := sampleView(time.Now())
	require.NoError(t, snaps.Save("room/1", want))
	got, err := snaps.Load("room/1")
	require.NoError(t, err)

	opts := cmp.Options{
		cmpopts.EquateApproxTime(time.Millisecond),
		cmpopts.IgnoreFields(View{}, "Stale"),
	}
	if diff := cmp.Diff(want, *got, opts); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}

	_, err = snaps.Load("room-1")
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestSnapshots_Expire(t *testing.T) {
	old := sampleView(time.Now().Add(-time.Hour))

	files, err := NewFileSnapshots(t.TempDir(), time.Minute)
	require.NoError(t, err)
	mem := NewMemorySnapshots(time.Minute)

	for _, s := range []SnapshotStore{files, mem} {
		require.NoError(t, s.Save("room", old))
		_, err := s.Load("room")
		assert.ErrorIs(t, err, ErrNoSnapshot)
	}

	forever := NewMemorySnapshots(0)
	require.NoError(t, forever.Save("room", old))
	v, err := forever.Load("room")
	require.NoError(t, err)
	assert.Equal(t, "s1", v.Session.ID)
}
