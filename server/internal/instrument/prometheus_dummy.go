//go:build noprometheus
// +build noprometheus

package instrument

import (
	"errors"
	"net"

	"github.com/katzenpost/notipair/core/log"
)

// Listener is a stand in for the metrics listener.
type Listener struct{}

// Addr returns nil.
func (l *Listener) Addr() net.Addr { return nil }

// Close does nothing.
func (l *Listener) Close() {}

// StartPrometheusListener fails, metrics are compiled out.
func StartPrometheusListener(addr string, backend *log.Backend) (*Listener, error) {
	return nil, errors.New("instrument: built without prometheus support")
}

// PairingRequest does nothing
func PairingRequest(result string) {}

// NotificationReceived does nothing
func NotificationReceived() {}

// MessageDropped does nothing
func MessageDropped(reason string) {}

// HandshakeRejected does nothing
func HandshakeRejected() {}

// DispatchQueueDepth does nothing
func DispatchQueueDepth(n int) {}

// PresenterFailure does nothing
func PresenterFailure() {}
