package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatroomgo/internal/chat"
)

// wsTransport adapts a gorilla connection to chat.Transport. The mutex
// serialises the writer pump, eviction notices and pings onto the single
// websocket writer gorilla allows.
type wsTransport struct {
	rawConn *websocket.Conn
	mu      sync.Mutex
}

func (t *wsTransport) WriteFrame(f chat.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_ = t.rawConn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.rawConn.WriteJSON(f)
}

func (t *wsTransport) ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.rawConn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (t *wsTransport) Close(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = t.rawConn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return t.rawConn.Close()
}
