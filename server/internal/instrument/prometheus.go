//go:build !noprometheus
// +build !noprometheus

// Package instrument exports the server's prometheus metrics.
package instrument

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/katzenpost/notipair/core/log"
)

var (
	pairings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notipair_pairing_total_requests",
			Help: "Number of pairing requests by outcome",
		},
		[]string{"result"},
	)
	notificationsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notipair_notifications_received_total",
			Help: "Number of well formed notifications received",
		},
	)
	messagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notipair_messages_dropped_total",
			Help: "Number of dropped messages by reason",
		},
		[]string{"reason"},
	)
	handshakesRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notipair_handshakes_rejected_total",
			Help: "Number of notification handshakes that failed or were refused",
		},
	)
	dispatchQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "notipair_dispatch_queue_depth",
			Help: "Number of notifications waiting for a dispatch worker",
		},
	)
	presenterFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notipair_presenter_failures_total",
			Help: "Number of notifications the presenter failed to show",
		},
	)
)

func init() {
	prometheus.MustRegister(pairings)
	prometheus.MustRegister(notificationsReceived)
	prometheus.MustRegister(messagesDropped)
	prometheus.MustRegister(handshakesRejected)
	prometheus.MustRegister(dispatchQueueDepth)
	prometheus.MustRegister(presenterFailures)
}

// Listener serves /metrics over HTTP.
type Listener struct {
	srv *http.Server
	l   net.Listener
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.l.Addr()
}

// Close stops serving.
func (l *Listener) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = l.srv.Shutdown(ctx)
}

// StartPrometheusListener binds addr and exposes the registered metrics.
func StartPrometheusListener(addr string, backend *log.Backend) (*Listener, error) {
	logger := backend.GetLogger("instrument")
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          backend.GetGoLogger("instrument", "WARNING"),
	}
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Metrics listener terminated: %v", err)
		}
	}()
	logger.Noticef("Serving metrics on http://%s/metrics", l.Addr())
	return &Listener{srv: srv, l: l}, nil
}

// PairingRequest counts a pairing request with the given outcome.
func PairingRequest(result string) {
	pairings.With(prometheus.Labels{"result": result}).Inc()
}

// NotificationReceived counts a well formed notification.
func NotificationReceived() {
	notificationsReceived.Inc()
}

// MessageDropped counts a dropped message.
func MessageDropped(reason string) {
	messagesDropped.With(prometheus.Labels{"reason": reason}).Inc()
}

// HandshakeRejected counts a failed notification handshake.
func HandshakeRejected() {
	handshakesRejected.Inc()
}

// DispatchQueueDepth observes the dispatch backlog.
func DispatchQueueDepth(n int) {
	dispatchQueueDepth.Set(float64(n))
}

// PresenterFailure counts a presenter error.
func PresenterFailure() {
	presenterFailures.Inc()
}
