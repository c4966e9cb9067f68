package network

// Relay frame types. Publish and Deliver frames carry a JSON encoded
// broadcast event; Subscribe and Unsubscribe carry a TopicRequest.
const (
	MsgTypeHeartbeat   = 1
	MsgTypeSubscribe   = 101
	MsgTypeUnsubscribe = 102
	MsgTypePublish     = 201
	MsgTypeDeliver     = 301
	MsgTypeError       = 401
)

type TopicRequest struct {
	Topic string `json:"topic"`
}

type ErrorReply struct {
	Message string `json:"message"`
}
