// persistence/interface.go
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/wfunc/partysync/models"
	"gorm.io/gorm"
)

// Store is the store of record. Every write is an insert, an insert-if-absent
// or an upsert so callers may safely repeat it.
type Store interface {
	UpsertRoom(ctx context.Context, roomID string, at time.Time) error

	SaveParticipant(ctx context.Context, p *models.Participant) error
	GetParticipant(ctx context.Context, id string) (*models.Participant, error)
	FindParticipantsByNickname(ctx context.Context, roomID, nickname string) ([]models.Participant, error)
	ListParticipants(ctx context.Context, roomID string, seenSince time.Time) ([]models.Participant, error)
	TouchParticipant(ctx context.Context, id string, online bool, at time.Time) error

	CreateSession(ctx context.Context, s *models.GameSession) error
	GetSession(ctx context.Context, id string) (*models.GameSession, error)
	GetActiveSession(ctx context.Context, roomID string) (*models.GameSession, error)
	// UpdateSessionStatus moves an active session to status. It reports whether a row changed.
	UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) (bool, error)
	// UpdateSessionPhase records deduction progress on an active session. The
	// write only lands when progress is ahead of the stored value; the bool
	// reports whether it did.
	UpdateSessionPhase(ctx context.Context, id, phase string, voteRound int, eliminated string, progress int) (bool, error)

	// CreateRound deactivates the session's other rounds and inserts r in one transaction.
	CreateRound(ctx context.Context, r *models.Round) error
	GetActiveRound(ctx context.Context, sessionID string) (*models.Round, error)
	MarkRoundRevealed(ctx context.Context, roundID string, at time.Time) error
	// CloseRound deactivates a round once its results have been dismissed.
	CloseRound(ctx context.Context, roundID string) error
	UpsertAnswer(ctx context.Context, a *models.Answer) error
	ListAnswers(ctx context.Context, roundID string) ([]models.Answer, error)

	SaveAssignments(ctx context.Context, as []models.Assignment) error
	ListAssignments(ctx context.Context, sessionID string) ([]models.Assignment, error)
	SaveVote(ctx context.Context, v *models.Vote) error
	ListVotes(ctx context.Context, sessionID string, roundNumber int) ([]models.Vote, error)
	SaveGuess(ctx context.Context, g *models.Guess) error
	GetGuess(ctx context.Context, sessionID string) (*models.Guess, error)

	Close() error
}

// 错误定义
var (
	ErrRecordNotFound = errors.New("record not found")
)

// IsConflict reports whether err is a uniqueness violation. Conflicts on
// idempotent writes mean another attempt already landed.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// unique_violation
		return pgErr.Code == "23505"
	}
	return false
}
