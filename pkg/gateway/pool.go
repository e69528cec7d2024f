package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// wsConn is the part of *websocket.Conn the pool needs.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ConnectionPool fans notifications out to websocket clients. A client whose
// write fails is dropped.
type ConnectionPool struct {
	mu           sync.Mutex
	conns        map[wsConn]struct{}
	writeTimeout time.Duration
}

func NewConnectionPool(writeTimeout time.Duration) *ConnectionPool {
	return &ConnectionPool{
		conns:        map[wsConn]struct{}{},
		writeTimeout: writeTimeout,
	}
}

func (cp *ConnectionPool) Add(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	cp.conns[conn] = struct{}{}
	cp.mu.Unlock()
}

func (cp *ConnectionPool) Remove(conn wsConn) {
	if conn == nil {
		return
	}
	if cp != nil {
		cp.mu.Lock()
		delete(cp.conns, conn)
		cp.mu.Unlock()
	}
	_ = conn.Close()
}

func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for conn := range cp.conns {
		if cp.writeTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout))
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Str("component", "gateway").Msg("ws broadcast failed, dropping connection")
			delete(cp.conns, conn)
			_ = conn.Close()
		}
	}
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	for conn := range cp.conns {
		_ = conn.Close()
		delete(cp.conns, conn)
	}
	cp.mu.Unlock()
}
