package signaling

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
)

// Broadcaster fans lifecycle notices out to registered clients.
type Broadcaster struct {
	registry *Registry
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func NewBroadcaster(registry *Registry, logger *slog.Logger, m *metrics.Metrics) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{registry: registry, log: logger, metrics: m}
}

// AnnounceJoin sends new_peer{id} to every registered client except id. It
// must be called after id is registered. It returns the number of clients
// the notice was queued for.
func (b *Broadcaster) AnnounceJoin(id string) int {
	return b.announce(TypeNewPeer, id)
}

// AnnounceDeparture sends peer_left{id} to every registered client. It must
// be called after id is deregistered.
func (b *Broadcaster) AnnounceDeparture(id string) int {
	return b.announce(TypePeerLeft, id)
}

func (b *Broadcaster) announce(typ, id string) int {
	payload, err := Notice(typ, id).MarshalJSON()
	if err != nil {
		b.log.Error("encode lifecycle notice", "type", typ, "client_id", id, "err", err)
		return 0
	}

	delivered := 0
	for _, entry := range b.registry.Snapshot() {
		if entry.ID == id {
			continue
		}
		if err := entry.Sender.Send(payload); err != nil {
			b.metrics.Inc(metrics.BroadcastSendFailed)
			b.log.Debug("lifecycle notice not delivered",
				"type", typ, "client_id", id, "recipient_id", entry.ID, "err", err)
			continue
		}
		delivered++
	}
	b.metrics.Add(metrics.BroadcastDelivered, uint64(delivered))
	return delivered
}
