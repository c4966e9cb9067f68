package server

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/wfunc/partysync/broadcast"
	"github.com/wfunc/partysync/config"
	"github.com/wfunc/partysync/logger"
	"github.com/wfunc/partysync/monitor"
	"github.com/wfunc/partysync/network"
	"github.com/wfunc/partysync/session"
)

// RelayServer is the websocket flavour of the broadcast channel: it forwards
// every published event to the other sessions subscribed to its topic and
// keeps nothing.
type RelayServer struct {
	addr           string
	upgrader       websocket.Upgrader
	sessionManager *session.Manager
	broadcaster    broadcast.Broadcaster
	monitor        *monitor.Monitor
	publishRate    float64
	publishBurst   int
	heartbeat      time.Duration
	httpServer     *http.Server
	mutex          sync.Mutex
	shutdownChan   chan struct{}
}

func NewRelayServer(cfg config.ServerConfig, heartbeat time.Duration, mon *monitor.Monitor) *RelayServer {
	s := &RelayServer{
		addr:           cfg.HTTPAddress,
		sessionManager: session.NewManager(),
		monitor:        mon,
		publishRate:    cfg.PublishRate,
		publishBurst:   cfg.PublishBurst,
		heartbeat:      heartbeat,
		shutdownChan:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有跨域请求
			},
		},
	}

	// 初始化广播器
	s.broadcaster = broadcast.NewTopicBroadcaster(s.sessionManager)
	return s
}

// Handler exposes the relay routes.
func (s *RelayServer) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/ws", s.handleWebSocket)
	router.GET("/healthz", s.handleHealth)
	if s.monitor != nil {
		router.Handler(http.MethodGet, "/metrics", s.monitor.Handler())
	}
	router.Handler(http.MethodGet, "/debug/vars", expvar.Handler())
	return router
}

func (s *RelayServer) Start() error {
	s.mutex.Lock()
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mutex.Unlock()

	logger.Log.Infof("Relay listening on %s", s.addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *RelayServer) Shutdown(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	select {
	case <-s.shutdownChan:
	default:
		close(s.shutdownChan)
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *RelayServer) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{
		"sessions": s.sessionManager.Count(),
		"topics":   s.sessionManager.TopicCount(),
	})
}

func (s *RelayServer) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Infof("Failed to upgrade connection: %v", err)
		return
	}
	s.handleConnection(conn)
}

func (s *RelayServer) handleConnection(conn *websocket.Conn) {
	wsConn := network.NewWSConnection(conn)
	if s.heartbeat > 0 {
		wsConn.SetHeartbeat(s.heartbeat)
	}
	sess := session.NewSession(uuid.New().String(), wsConn)
	if s.publishRate > 0 {
		sess.SetRateLimit(s.publishRate, s.publishBurst)
	}
	s.sessionManager.Add(sess)
	s.monitor.SetRelaySessions(s.sessionManager.Count())

	logger.Log.Infof("New connection from %s, session ID: %s", wsConn.RemoteAddr(), sess.GetID())

	defer func() {
		logger.Log.Infof("Connection closed from %s, session ID: %s", wsConn.RemoteAddr(), sess.GetID())
		s.sessionManager.Remove(sess.GetID())
		s.monitor.SetRelaySessions(s.sessionManager.Count())
		wsConn.Close()
	}()

	for {
		select {
		case <-s.shutdownChan:
			return
		default:
			packet, err := wsConn.ReadPacket()
			if err != nil {
				return
			}
			s.handlePacket(sess, packet)
		}
	}
}

func (s *RelayServer) handlePacket(sess *session.Session, packet *network.Packet) {
	switch packet.MsgID {
	case network.MsgTypeHeartbeat:
		sess.Touch()
	case network.MsgTypeSubscribe, network.MsgTypeUnsubscribe:
		var req network.TopicRequest
		if err := json.Unmarshal(packet.Data, &req); err != nil || req.Topic == "" {
			s.replyError(sess, "invalid topic request")
			return
		}
		if packet.MsgID == network.MsgTypeSubscribe {
			s.sessionManager.Subscribe(sess, req.Topic)
		} else {
			s.sessionManager.Unsubscribe(sess, req.Topic)
		}
	case network.MsgTypePublish:
		s.handlePublish(sess, packet)
	default:
		logger.Log.Infof("Unknown message type: %d", packet.MsgID)
	}
}

func (s *RelayServer) handlePublish(sess *session.Session, packet *network.Packet) {
	if !sess.AllowPublish() {
		s.replyError(sess, "publish rate exceeded")
		return
	}

	var ev broadcast.Event
	if err := json.Unmarshal(packet.Data, &ev); err != nil || ev.Topic == "" {
		s.replyError(sess, "invalid event")
		return
	}
	s.monitor.IncEventsReceived(ev.Name)

	n := s.broadcaster.BroadcastToTopic(ev.Topic, network.MsgTypeDeliver, packet.Data, sess.GetID())
	s.monitor.IncEventsPublished(ev.Name)
	logger.Log.Debugw("relayed event", "topic", ev.Topic, "event", ev.Name, "receivers", n)
}

func (s *RelayServer) replyError(sess *session.Session, msg string) {
	data, _ := json.Marshal(network.ErrorReply{Message: msg})
	if err := sess.Send(network.MsgTypeError, data); err != nil {
		logger.Log.Debugw("error reply failed", "session", sess.GetID(), "error", err)
	}
}
