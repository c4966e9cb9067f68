// broadcast/broadcast.go
package broadcast

import (
	"github.com/wfunc/partysync/logger"
	"github.com/wfunc/partysync/session"
)

// 广播接口
type Broadcaster interface {
	BroadcastToTopic(topic string, msgID uint16, data []byte, exceptSessionID string) int
}

// TopicBroadcaster fans relay frames out to the sessions subscribed to a topic.
type TopicBroadcaster struct {
	sessionManager *session.Manager
}

func NewTopicBroadcaster(sessionManager *session.Manager) *TopicBroadcaster {
	return &TopicBroadcaster{
		sessionManager: sessionManager,
	}
}

// BroadcastToTopic returns how many sessions received the frame. The
// publishing session is skipped.
func (b *TopicBroadcaster) BroadcastToTopic(topic string, msgID uint16, data []byte, exceptSessionID string) int {
	// Get a thread-safe copy of the sessions
	sessions := b.sessionManager.Subscribers(topic)

	delivered := 0
	for _, s := range sessions {
		if s.GetID() == exceptSessionID {
			continue
		}
		if err := s.Send(msgID, data); err != nil {
			// 发送失败由读循环负责清理
			logger.Log.Debugw("relay send failed", "session", s.GetID(), "topic", topic, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}
