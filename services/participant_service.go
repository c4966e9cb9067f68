// services/participant_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/partysync/broadcast"
	"github.com/wfunc/partysync/logger"
	"github.com/wfunc/partysync/models"
	"github.com/wfunc/partysync/persistence"
)

var ErrNicknameTaken = fmt.Errorf("%w: nickname is in use", models.ErrPrecondition)

// ParticipantService tracks who is in a room. A participant that has not
// sent a heartbeat within the liveness window counts as offline.
type ParticipantService struct {
	store    persistence.Store
	pub      *broadcast.Publisher
	liveness time.Duration
	now      func() time.Time
}

func NewParticipantService(store persistence.Store, pub *broadcast.Publisher, liveness time.Duration) *ParticipantService {
	return &ParticipantService{store: store, pub: pub, liveness: liveness, now: time.Now}
}

func (s *ParticipantService) fresh(p *models.Participant, now time.Time) bool {
	return p.Online && now.Sub(p.LastSeenAt) < s.liveness
}

// Join enters roomID as nickname. The credential identifies the caller's
// browsing session: a matching row is reused, a stale row is taken over, and
// a nickname held by someone else who is still online is refused.
func (s *ParticipantService) Join(ctx context.Context, roomID, nickname, credential string) (*models.Participant, error) {
	if roomID == "" || nickname == "" || credential == "" {
		return nil, fmt.Errorf("%w: room, nickname and credential are required", models.ErrPrecondition)
	}

	now := s.now()
	if err := s.store.UpsertRoom(ctx, roomID, now); err != nil {
		return nil, fmt.Errorf("touch room %s: %w", roomID, err)
	}

	existing, err := s.store.FindParticipantsByNickname(ctx, roomID, nickname)
	if err != nil {
		return nil, err
	}

	var participant *models.Participant
	for i := range existing {
		p := &existing[i]
		if p.Credential == credential {
			participant = p
			break
		}
	}
	if participant == nil {
		for i := range existing {
			p := &existing[i]
			if s.fresh(p, now) {
				return nil, ErrNicknameTaken
			}
		}
		if len(existing) > 0 {
			// 接管过期的同名记录
			participant = &existing[0]
			participant.Credential = credential
		} else {
			participant = &models.Participant{
				ID:         uuid.NewString(),
				RoomID:     roomID,
				Nickname:   nickname,
				Credential: credential,
				CreatedAt:  now,
			}
		}
	}
	participant.Online = true
	participant.LastSeenAt = now

	if err := s.store.SaveParticipant(ctx, participant); err != nil {
		return nil, fmt.Errorf("save participant: %w", err)
	}
	logger.Log.Infow("participant joined", "room", roomID, "participant", participant.ID, "nickname", nickname)

	if err := s.pub.Send(ctx, broadcast.RoomTopic(roomID), broadcast.EventParticipantUpdate, broadcast.ParticipantUpdatePayload{
		Action:      broadcast.ParticipantJoined,
		Participant: *participant,
	}); err != nil {
		return participant, err
	}
	return participant, nil
}

// Confirm checks that participantID exists and belongs to credential.
func (s *ParticipantService) Confirm(ctx context.Context, participantID, credential string) (*models.Participant, error) {
	if participantID == "" {
		return nil, models.ErrMissingIdentity
	}
	p, err := s.store.GetParticipant(ctx, participantID)
	if errors.Is(err, persistence.ErrRecordNotFound) {
		return nil, models.ErrMissingIdentity
	}
	if err != nil {
		return nil, err
	}
	if p.Credential != credential {
		return nil, models.ErrMissingIdentity
	}
	return p, nil
}

func (s *ParticipantService) Heartbeat(ctx context.Context, participantID string) error {
	err := s.store.TouchParticipant(ctx, participantID, true, s.now())
	if errors.Is(err, persistence.ErrRecordNotFound) {
		return models.ErrMissingIdentity
	}
	return err
}

func (s *ParticipantService) Leave(ctx context.Context, participantID string) error {
	if err := s.store.TouchParticipant(ctx, participantID, false, s.now()); err != nil {
		if errors.Is(err, persistence.ErrRecordNotFound) {
			return models.ErrMissingIdentity
		}
		return err
	}
	p, err := s.store.GetParticipant(ctx, participantID)
	if err != nil {
		return err
	}
	logger.Log.Infow("participant left", "room", p.RoomID, "participant", p.ID)
	return s.pub.Send(ctx, broadcast.RoomTopic(p.RoomID), broadcast.EventParticipantUpdate, broadcast.ParticipantUpdatePayload{
		Action:      broadcast.ParticipantLeft,
		Participant: *p,
	})
}

// Online lists participants seen within the liveness window.
func (s *ParticipantService) Online(ctx context.Context, roomID string) ([]models.Participant, error) {
	return s.store.ListParticipants(ctx, roomID, s.now().Add(-s.liveness))
}
