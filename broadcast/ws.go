package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wfunc/partysync/guard"
	"github.com/wfunc/partysync/logger"
	"github.com/wfunc/partysync/network"
)

// WSChannel is a client of the websocket relay served by the partysync binary.
// A channel opened with DialRelay redials when the connection drops and
// subscribes to its topics again.
type WSChannel struct {
	conn   network.Connection
	dial   func(ctx context.Context) (network.Connection, error)
	reg    *registry
	mu     sync.Mutex
	closed bool
	stop   chan struct{}
	done   chan struct{}
}

var redialPolicy = guard.RetryPolicy{Attempts: 5, Backoff: 200 * time.Millisecond}

func DialRelay(ctx context.Context, url, clientID string) (*WSChannel, error) {
	dial := func(ctx context.Context) (network.Connection, error) {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return network.NewWSConnection(ws), nil
	}
	conn, err := dial(ctx)
	if err != nil {
		return nil, err
	}
	return newWSChannel(conn, clientID, dial), nil
}

// NewWSChannel wraps an established connection. It does not redial.
func NewWSChannel(conn network.Connection, clientID string) *WSChannel {
	return newWSChannel(conn, clientID, nil)
}

func newWSChannel(conn network.Connection, clientID string, dial func(ctx context.Context) (network.Connection, error)) *WSChannel {
	c := &WSChannel{
		conn: conn,
		dial: dial,
		reg:  newRegistry(clientID),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *WSChannel) current() network.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// KeepAlive sends a heartbeat frame every interval until the channel closes.
// The relay drops connections that stay silent for two intervals.
func (c *WSChannel) KeepAlive(interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				if err := c.current().Send(network.MsgTypeHeartbeat, nil); err != nil {
					logger.Log.Debugw("relay heartbeat failed", "error", err)
				}
			}
		}
	}()
}

func (c *WSChannel) Publish(ctx context.Context, topic, name string, payload interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ev, err := newEvent(topic, name, c.reg.self, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.current().Send(network.MsgTypePublish, data)
}

func (c *WSChannel) Subscribe(topic string, h Handler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	id, first := c.reg.add(topic, h)
	if first {
		if err := sendTopic(c.conn, network.MsgTypeSubscribe, topic); err != nil {
			c.reg.remove(topic, id)
			return nil, err
		}
	}
	return &subscription{fn: func() {
		if c.reg.remove(topic, id) {
			_ = sendTopic(c.current(), network.MsgTypeUnsubscribe, topic)
		}
	}}, nil
}

func sendTopic(conn network.Connection, msgID uint16, topic string) error {
	data, err := json.Marshal(network.TopicRequest{Topic: topic})
	if err != nil {
		return err
	}
	return conn.Send(msgID, data)
}

func (c *WSChannel) readLoop() {
	defer close(c.done)
	conn := c.current()
	for {
		packet, err := conn.ReadPacket()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			logger.Log.Warnw("relay connection lost", "error", err)
			_ = conn.Close()
			if conn = c.redial(); conn == nil {
				return
			}
			continue
		}
		switch packet.MsgID {
		case network.MsgTypeDeliver:
			var ev Event
			if err := json.Unmarshal(packet.Data, &ev); err != nil {
				logger.Log.Warnw("dropping malformed relay frame", "error", err)
				continue
			}
			c.reg.dispatch(ev)
		case network.MsgTypeError:
			var reply network.ErrorReply
			_ = json.Unmarshal(packet.Data, &reply)
			logger.Log.Warnw("relay rejected frame", "message", reply.Message)
		}
	}
}

// redial reconnects until it succeeds or the channel closes. It returns nil
// when there is nothing left to read from.
func (c *WSChannel) redial() network.Connection {
	if c.dial == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for ctx.Err() == nil {
		var conn network.Connection
		err := guard.Retry(ctx, redialPolicy, func(ctx context.Context) error {
			dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			var err error
			conn, err = c.dial(dialCtx)
			return err
		}, func(attempt int, err error) {
			logger.Log.Debugw("redialing relay", "attempt", attempt, "error", err)
		})
		if err != nil {
			logger.Log.Warnw("relay redial failed", "error", err)
			continue
		}
		if !c.install(conn) {
			return nil
		}
		logger.Log.Infow("relay connection restored")
		return conn
	}
	return nil
}

// install swaps in conn and subscribes it to every topic with handlers.
func (c *WSChannel) install(conn network.Connection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = conn.Close()
		return false
	}
	c.conn = conn
	for _, topic := range c.reg.topicNames() {
		if err := sendTopic(conn, network.MsgTypeSubscribe, topic); err != nil {
			logger.Log.Warnw("resubscribe failed", "topic", topic, "error", err)
		}
	}
	return true
}

func (c *WSChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stop)
	conn := c.conn
	c.mu.Unlock()

	err := conn.Close()
	<-c.done
	return err
}
