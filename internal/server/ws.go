package server

import (
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// wsConn wraps a raw websocket connection so hub broadcasts and the reader
// goroutine can write acks without interleaving frames.
type wsConn struct {
	mu   sync.Mutex
	conn net.Conn
}

// Send writes one text frame. Safe for concurrent use.
func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.WriteServerText(c.conn, data)
}

// handleWebSocket upgrades the connection and pumps control messages into the
// progress hub until the client disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}

	client := &wsConn{conn: conn}
	go s.serveWebSocket(client)
}

func (s *Server) serveWebSocket(client *wsConn) {
	defer func() {
		s.hub.Drop(client)
		client.conn.Close()
	}()

	if err := client.Send([]byte(`{"type":"connected"}`)); err != nil {
		return
	}

	for {
		data, op, err := wsutil.ReadClientData(client.conn)
		if err != nil {
			return
		}
		if op == ws.OpText {
			s.hub.HandleMessage(client, data)
		}
	}
}
