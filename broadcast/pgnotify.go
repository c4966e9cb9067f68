package broadcast

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/wfunc/partysync/logger"
)

// Postgres rejects NOTIFY payloads of 8000 bytes or more.
const maxNotifyPayload = 7999

// PGNotifyChannel rides on Postgres LISTEN/NOTIFY, which like the room
// channel only reaches sessions listening at the time of the NOTIFY.
type PGNotifyChannel struct {
	db       *sql.DB
	listener *pq.Listener
	reg      *registry
	mu       sync.Mutex
	closed   bool
	done     chan struct{}
}

func NewPGNotifyChannel(ctx context.Context, dsn, clientID string) (*PGNotifyChannel, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}

	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Log.Warnw("notify listener event", "event", ev, "error", err)
		}
	})

	c := &PGNotifyChannel{
		db:       db,
		listener: listener,
		reg:      newRegistry(clientID),
		done:     make(chan struct{}),
	}
	go c.loop()
	return c, nil
}

// notifyChannel maps a topic onto a Postgres identifier (at most 63 bytes).
func notifyChannel(topic string) string {
	sum := sha1.Sum([]byte(topic))
	return "partysync_" + hex.EncodeToString(sum[:])
}

func (c *PGNotifyChannel) Publish(ctx context.Context, topic, name string, payload interface{}) error {
	ev, err := newEvent(topic, name, c.reg.self, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if len(data) > maxNotifyPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(data))
	}
	_, err = c.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", notifyChannel(topic), string(data))
	return err
}

func (c *PGNotifyChannel) Subscribe(topic string, h Handler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	id, first := c.reg.add(topic, h)
	if first {
		if err := c.listener.Listen(notifyChannel(topic)); err != nil && !errors.Is(err, pq.ErrChannelAlreadyOpen) {
			c.reg.remove(topic, id)
			return nil, fmt.Errorf("listen %s: %w", topic, err)
		}
	}

	return &subscription{fn: func() {
		if c.reg.remove(topic, id) {
			if err := c.listener.Unlisten(notifyChannel(topic)); err != nil && !errors.Is(err, pq.ErrChannelNotOpen) {
				logger.Log.Warnw("unlisten failed", "topic", topic, "error", err)
			}
		}
	}}, nil
}

func (c *PGNotifyChannel) loop() {
	for {
		select {
		case n := <-c.listener.Notify:
			if n == nil {
				// Reconnected; anything sent meanwhile is gone.
				logger.Log.Info("notify listener reconnected")
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(n.Extra), &ev); err != nil {
				logger.Log.Warnw("dropping malformed notification", "channel", n.Channel, "error", err)
				continue
			}
			c.reg.dispatch(ev)
		case <-time.After(90 * time.Second):
			go func() {
				if err := c.listener.Ping(); err != nil {
					logger.Log.Warnw("notify listener ping failed", "error", err)
				}
			}()
		case <-c.done:
			return
		}
	}
}

func (c *PGNotifyChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	err := c.listener.Close()
	if dbErr := c.db.Close(); err == nil {
		err = dbErr
	}
	return err
}
