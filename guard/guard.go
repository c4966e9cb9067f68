// Package guard serializes a client's own conflicting writes and retries
// transient store failures. It does not coordinate separate clients; the
// store's uniqueness constraints do that.
package guard

import (
	"context"
	"fmt"
	"strconv"

	"github.com/wfunc/partysync/logger"
	"github.com/wfunc/partysync/models"
)

// RetryObserver is notified of repeated attempts.
type RetryObserver interface {
	IncStoreRetries(key string)
}

type Guard struct {
	locks    *KeyedMutex
	policy   RetryPolicy
	observer RetryObserver
}

func New(policy RetryPolicy, observer RetryObserver) *Guard {
	return &Guard{
		locks:    NewKeyedMutex(),
		policy:   policy,
		observer: observer,
	}
}

// Do runs op with key held, retrying transient failures.
func (g *Guard) Do(ctx context.Context, key string, op func(ctx context.Context) error) error {
	if err := g.locks.Lock(ctx, key); err != nil {
		return err
	}
	defer g.locks.Unlock(key)

	return Retry(ctx, g.policy, op, func(attempt int, err error) {
		logger.Log.Warnw("retrying guarded write", "key", key, "attempt", attempt, "error", err)
		if g.observer != nil {
			g.observer.IncStoreRetries(key)
		}
	})
}

func CreateSessionKey(roomID string, gameType models.GameType) string {
	return fmt.Sprintf("create-session:%s:%s", roomID, gameType)
}

func CreateRoundKey(sessionID string) string {
	return "create-round:" + sessionID
}

func SubmitAnswerKey(roundID, participantID string) string {
	return fmt.Sprintf("submit-answer:%s:%s", roundID, participantID)
}

func VoteKey(sessionID, voterID string, roundNumber int) string {
	return "vote:" + sessionID + ":" + voterID + ":" + strconv.Itoa(roundNumber)
}

func SessionKey(sessionID string) string {
	return "session:" + sessionID
}
