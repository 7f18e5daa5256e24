// Package tunnel implements the relay subsystem a farmer behind NAT uses
// once OPEN_TUNNEL has granted it a slot: a persistent outbound websocket
// to the tunneler standing in for an inbound listener the farmer cannot
// accept directly.
package tunnel

import (
	"io"

	"github.com/gorilla/websocket"
)

// wsConn adapts a *websocket.Conn to io.ReadWriteCloser, framing each
// Write as one binary message and unwrapping Read across message
// boundaries transparently so the byte-pumping code on either side of a
// tunnel never needs to know it is running over websocket frames rather
// than a raw stream.
type wsConn struct {
	conn *websocket.Conn
	buf  []byte
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (w *wsConn) Read(p []byte) (int, error) {
	for len(w.buf) == 0 {
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		w.buf = data
	}
	n := copy(p, w.buf)
	w.buf = w.buf[n:]
	return n, nil
}

func (w *wsConn) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

// pipe copies bytes in both directions between a and b until either side
// returns an error (including a clean EOF), then closes both.
func pipe(a, b io.ReadWriteCloser) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(b, a)
		done <- struct{}{}
	}()
	<-done
	a.Close()
	b.Close()
	<-done
}
