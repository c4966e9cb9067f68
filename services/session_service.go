package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/partysync/broadcast"
	"github.com/wfunc/partysync/guard"
	"github.com/wfunc/partysync/logger"
	"github.com/wfunc/partysync/models"
	"github.com/wfunc/partysync/persistence"
)

type CreateOptions struct {
	// ReverseMode gives an eliminated minority one guess at the majority topic.
	ReverseMode bool
}

// SessionService owns the lifecycle of game sessions in one room scope.
// Sessions only ever move out of active.
type SessionService struct {
	store persistence.Store
	pub   *broadcast.Publisher
	guard *guard.Guard
	now   func() time.Time
}

func NewSessionService(store persistence.Store, pub *broadcast.Publisher, g *guard.Guard) *SessionService {
	return &SessionService{store: store, pub: pub, guard: g, now: time.Now}
}

// CreateSession persists a new active session and announces it. Repeated
// calls by the same creator while their session is still the room's active
// one return that session. Different creators racing each get a row; readers
// settle on the most recent.
func (s *SessionService) CreateSession(ctx context.Context, roomID string, gameType models.GameType, creatorID string, opts CreateOptions) (*models.GameSession, error) {
	if creatorID == "" {
		return nil, models.ErrMissingIdentity
	}
	if !gameType.Valid() {
		return nil, fmt.Errorf("%w: unknown game type %q", models.ErrPrecondition, gameType)
	}

	var (
		created *models.GameSession
		reused  bool
	)
	// id is fixed before the first attempt so a retried insert is a no-op.
	candidate := &models.GameSession{
		ID:          uuid.NewString(),
		RoomID:      roomID,
		GameType:    gameType,
		Status:      models.SessionActive,
		CreatedBy:   creatorID,
		ReverseMode: opts.ReverseMode,
	}
	err := s.guard.Do(ctx, guard.CreateSessionKey(roomID, gameType), func(ctx context.Context) error {
		existing, err := s.store.GetActiveSession(ctx, roomID)
		switch {
		case err == nil:
			if existing.GameType == gameType && existing.CreatedBy == creatorID {
				created, reused = existing, true
				return nil
			}
		case !errors.Is(err, persistence.ErrRecordNotFound):
			return err
		}

		if candidate.CreatedAt.IsZero() {
			candidate.CreatedAt = s.now()
		}
		if err := s.store.CreateSession(ctx, candidate); err != nil {
			return err
		}
		created, reused = candidate, false
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create %s session: %w", gameType, err)
	}
	if created == nil {
		// The insert conflicted on every attempt; the row is there.
		created = candidate
	}

	if reused {
		logger.Log.Debugw("reusing active session", "room", roomID, "session", created.ID)
	} else {
		logger.Log.Infow("session created", "room", roomID, "session", created.ID, "game", gameType)
	}

	if err := s.pub.Send(ctx, broadcast.RoomTopic(roomID), broadcast.EventGameStart, broadcast.GameLifecyclePayload{
		SessionID: created.ID,
		GameType:  gameType,
		Timestamp: s.now().UnixMilli(),
	}); err != nil {
		return created, err
	}
	return created, nil
}

// GetActiveSession returns the room's most recently created active session, or nil.
func (s *SessionService) GetActiveSession(ctx context.Context, roomID string) (*models.GameSession, error) {
	session, err := s.store.GetActiveSession(ctx, roomID)
	if errors.Is(err, persistence.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// EndSession completes an active session. Completing it again is a no-op.
func (s *SessionService) EndSession(ctx context.Context, id string) error {
	return s.finish(ctx, id, models.SessionCompleted)
}

// CancelSession abandons an active session. Cancelling it again is a no-op.
func (s *SessionService) CancelSession(ctx context.Context, id string) error {
	return s.finish(ctx, id, models.SessionCancelled)
}

func (s *SessionService) finish(ctx context.Context, id string, to models.SessionStatus) error {
	var (
		session *models.GameSession
		changed bool
	)
	err := s.guard.Do(ctx, guard.SessionKey(id), func(ctx context.Context) error {
		current, err := s.store.GetSession(ctx, id)
		if err != nil {
			return err
		}
		session = current
		if current.Status == to {
			return nil
		}
		if current.Status != models.SessionActive {
			return fmt.Errorf("%w: session %s is %s", models.ErrPrecondition, id, current.Status)
		}
		ok, err := s.store.UpdateSessionStatus(ctx, id, to)
		if err != nil {
			return err
		}
		if !ok {
			// Someone else moved it first; accept only the same outcome.
			current, err = s.store.GetSession(ctx, id)
			if err != nil {
				return err
			}
			if current.Status != to {
				return fmt.Errorf("%w: session %s is %s", models.ErrPrecondition, id, current.Status)
			}
			return nil
		}
		session.Status = to
		changed = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark session %s %s: %w", id, to, err)
	}
	if !changed {
		return nil
	}

	logger.Log.Infow("session finished", "room", session.RoomID, "session", id, "status", to)
	return s.pub.Send(ctx, broadcast.RoomTopic(session.RoomID), broadcast.EventGameEnd, broadcast.GameLifecyclePayload{
		SessionID: id,
		GameType:  session.GameType,
		Timestamp: s.now().UnixMilli(),
	})
}
