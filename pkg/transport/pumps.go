package transport

import (
	"errors"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/astromechza/boardsync/pkg/protocol"
)

// errDecode marks frames that arrived intact but failed validation.
type errDecode struct {
	raw []byte
	err error
}

func (e *errDecode) Error() string { return e.err.Error() }

func (e *errDecode) Unwrap() error { return e.err }

func readAndDecodeMessage(conn Conn) (*protocol.Message, error) {
	mt, p, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	if mt != websocket.TextMessage {
		return nil, nil
	}
	msg, err := protocol.Decode(p)
	if err != nil {
		return nil, &errDecode{raw: p, err: err}
	}
	return &msg, nil
}

// closeCode extracts the websocket close code from a read error. Anything that is not a
// close frame counts as an abnormal closure.
func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}

func (t *Transport) readPump(epoch uint64, conn Conn) {
	defer t.wg.Done()
	for {
		msg, err := readAndDecodeMessage(conn)
		var de *errDecode
		if errors.As(err, &de) {
			t.log.Warn("dropping invalid message", "err", de.err, "raw", string(de.raw))
			t.opts.Metrics.Dropped("invalid_inbound")
			continue
		}
		if err != nil {
			_ = conn.Close()
			t.dropped(epoch, closeCode(err), err)
			return
		}
		if msg == nil {
			continue
		}
		t.opts.Metrics.Received(string(msg.Type))
		t.emit(event{epoch: epoch, message: msg})
	}
}

func (t *Transport) dropped(epoch uint64, code int, cause error) {
	t.mu.Lock()
	if epoch != t.epoch || t.closed {
		t.mu.Unlock()
		return
	}
	t.log.Info("connection lost", "code", code, "err", cause)
	st := t.dropLocked(code)
	t.mu.Unlock()
	t.emit(event{epoch: epoch, status: &st})
}

func (t *Transport) writePump(conn Conn, send <-chan []byte) {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case msg, ok := <-send:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				t.log.Warn("failed to write message", "err", err)
				_ = conn.Close()
				return
			}
		}
	}
}
