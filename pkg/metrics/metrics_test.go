package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSync_records(t *testing.T) {
	m := NewSync(prometheus.NewRegistry())
	m.Sent("scene_update")
	m.Sent("scene_update")
	m.Dropped("invalid")
	m.ReconnectScheduled()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesSent.WithLabelValues("scene_update")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesDropped.WithLabelValues("invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnectAttempts))
}

func TestNilReceivers(t *testing.T) {
	var s *Sync
	var r *Relay
	assert.NotPanics(t, func() {
		s.Sent("x")
		s.Received("x")
		s.Dropped("x")
		s.Decision("x")
		s.ReconnectScheduled()
		s.ConnectionFailed()
		r.ConnectionOpened()
		r.ConnectionClosed()
		r.SetRooms(1)
		r.Frame("x", "y")
		r.Backup("ok")
	})
}
