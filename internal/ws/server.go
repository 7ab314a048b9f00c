package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatroomgo/internal/chat"
	"chatroomgo/internal/identity"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second // must be < pongWait

	// room id + envelope fields on top of the payload budget
	envelopeOverhead = 512
)

var errRoomRequired = errors.New("room_id_required")

// ConnContext carries the per-connection state handed to event handlers.
type ConnContext struct {
	Conn   *chat.Connection
	Server *WsServer
}

type WsServer struct {
	engine   *chat.Engine
	verifier identity.Verifier
	router   *Router
	upgrader websocket.Upgrader
	readLim  int64
}

func NewWsServer(engine *chat.Engine, verifier identity.Verifier, maxPayloadBytes int) *WsServer {
	srv := &WsServer{
		engine:   engine,
		verifier: verifier,
		router:   NewRouter(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // dev-only
		},
		readLim: int64(maxPayloadBytes + envelopeOverhead),
	}
	srv.registerHandlers() // ← all WS endpoints configured here
	return srv
}

// ---------------------------------------------------------------------------
//  Public: Gin entry-point
// ---------------------------------------------------------------------------

// Handle authenticates the handshake, upgrades the transport and hands the
// connection to the engine. No Connection exists until the credential checks
// out.
func (s *WsServer) Handle(ginCtx *gin.Context) {
	cred := credential(ginCtx)

	who, err := s.verifier.Verify(ginCtx.Request.Context(), cred)
	if err != nil {
		if errors.Is(err, identity.ErrUnauthorized) {
			ginCtx.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		zap.L().Warn("ws.verify", zap.Error(err))
		ginCtx.JSON(http.StatusServiceUnavailable, gin.H{"error": "verifier_unavailable"})
		return
	}

	rawConn, err := s.upgrader.Upgrade(ginCtx.Writer, ginCtx.Request, nil)
	if err != nil {
		zap.L().Warn("ws.upgrade", zap.Error(err))
		return
	}
	rawConn.SetReadLimit(s.readLim)

	// ─────────────────── Client authenticated and joined ───────────────────
	transport := &wsTransport{rawConn: rawConn}
	conn, err := s.engine.Bootstrap(who, transport)
	if err != nil {
		_ = transport.Close("bootstrap_failed")
		return
	}

	go s.reader(conn, rawConn)
	go s.pinger(conn, transport)
}

// credential pulls the opaque token from the Authorization header or, for
// browser clients that cannot set headers on websockets, the query string.
func credential(ginCtx *gin.Context) string {
	if h := ginCtx.GetHeader("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ginCtx.Query("token")
}

// ---------------------------------------------------------------------------
//  Private helpers
// ---------------------------------------------------------------------------

func (s *WsServer) registerHandlers() {
	// 🔹 rooms/join -----------------------------------------------------------
	Register(
		s.router,
		"rooms/join",
		func(ctx context.Context, cc *ConnContext, req JoinRequest) (AckBody, error) {
			if req.RoomID == "" {
				return AckBody{}, errRoomRequired
			}
			if err := s.engine.Join(cc.Conn, req.RoomID); err != nil {
				return AckBody{}, err
			}
			return AckBody{}, nil
		},
	)

	// 🔹 rooms/leave ----------------------------------------------------------
	Register(
		s.router,
		"rooms/leave",
		func(ctx context.Context, cc *ConnContext, req LeaveRequest) (AckBody, error) {
			if req.RoomID == "" {
				return AckBody{}, errRoomRequired
			}
			s.engine.Leave(cc.Conn, req.RoomID)
			return AckBody{}, nil
		},
	)

	// 🔹 rooms/send -----------------------------------------------------------
	Register(
		s.router,
		"rooms/send",
		func(ctx context.Context, cc *ConnContext, req SendRequest) (SendAck, error) {
			if req.RoomID == "" {
				return SendAck{}, errRoomRequired
			}
			msg, err := s.engine.Dispatch(cc.Conn, req.RoomID, req.Payload)
			if err != nil {
				return SendAck{}, err
			}
			return SendAck{RoomID: msg.RoomID, Seq: msg.Seq}, nil
		},
	)
}

func (s *WsServer) reader(conn *chat.Connection, rawConn *websocket.Conn) {
	defer s.engine.CloseConnection(conn, chat.ReasonClientClose)

	_ = rawConn.SetReadDeadline(time.Now().Add(pongWait))
	rawConn.SetPongHandler(func(string) error {
		return rawConn.SetReadDeadline(time.Now().Add(pongWait))
	})

	cc := &ConnContext{Conn: conn, Server: s}

	for {
		_, raw, err := rawConn.ReadMessage()
		if err != nil {
			return // client closed or errored
		}
		conn.Touch()
		_ = rawConn.SetReadDeadline(time.Now().Add(pongWait))

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			_ = conn.Send(chat.Frame{
				Event: "error",
				Body:  ErrorBody{Error: chat.ErrPayloadInvalid.Error()},
			})
			continue
		}

		res, err := s.router.dispatch(context.Background(), cc, env)

		// ---- error -> {"event":"error", "body":{...}} ---------------
		if err != nil {
			_ = conn.Send(chat.Frame{
				Event: "error",
				Body:  ErrorBody{Error: err.Error()},
			})
			continue
		}

		// ---- success -> {"event":"<evt>-ack", "body":{...}} --------
		_ = conn.Send(chat.Frame{Event: env.Event + "-ack", Body: res})
	}
}

func (s *WsServer) pinger(conn *chat.Connection, transport *wsTransport) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for range ticker.C {
		if conn.State() == chat.StateClosed {
			return
		}
		if err := transport.ping(); err != nil {
			s.engine.CloseConnection(conn, chat.ReasonTransport)
			return
		}
	}
}
