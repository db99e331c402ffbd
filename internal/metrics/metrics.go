// Package metrics holds the relay's in-process event counters and gauges.
package metrics

import "sync"

// Relay event names.
const (
	ClientConnected     = "client_connected"
	ClientDisconnected  = "client_disconnected"
	ClientRejectedLimit = "client_rejected_too_many_clients"
	IdentityCollision   = "identity_collision"
	OriginRejected      = "origin_rejected"

	EnvelopeMalformed   = "envelope_malformed"
	EnvelopeUnaddressed = "envelope_unaddressed"
	RateLimited         = "rate_limited"

	RouteDelivered        = "route_delivered"
	RouteUnknownRecipient = "route_unknown_recipient"
	RouteSendFailed       = "route_send_failed"

	BroadcastDelivered  = "broadcast_delivered"
	BroadcastSendFailed = "broadcast_send_failed"
)

// Metrics is a concurrency-safe counter registry with optional callback
// gauges. A nil *Metrics discards everything.
type Metrics struct {
	mu     sync.Mutex
	m      map[string]uint64
	gauges map[string]func() float64
}

func New() *Metrics {
	return &Metrics{
		m:      make(map[string]uint64),
		gauges: make(map[string]func() float64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil || delta == 0 {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

// RegisterGauge installs fn as the value source for the named gauge,
// replacing any previous registration. fn is called at scrape time without
// the registry lock held.
func (m *Metrics) RegisterGauge(name string, fn func() float64) {
	if m == nil || fn == nil {
		return
	}
	m.mu.Lock()
	m.gauges[name] = fn
	m.mu.Unlock()
}

func (m *Metrics) gaugeFuncs() map[string]func() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]func() float64, len(m.gauges))
	for k, fn := range m.gauges {
		out[k] = fn
	}
	return out
}
