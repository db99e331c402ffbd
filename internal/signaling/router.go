package signaling

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
)

// RouteOutcome describes what happened to a routed envelope. The sender is
// never told.
type RouteOutcome int

const (
	RouteDelivered RouteOutcome = iota
	RouteUnknownRecipient
	RouteSendFailed
)

func (o RouteOutcome) String() string {
	switch o {
	case RouteDelivered:
		return "delivered"
	case RouteUnknownRecipient:
		return "unknown_recipient"
	case RouteSendFailed:
		return "send_failed"
	default:
		return "unknown"
	}
}

// Router forwards addressed envelopes to their recipient.
type Router struct {
	registry *Registry
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func NewRouter(registry *Registry, logger *slog.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{registry: registry, log: logger, metrics: m}
}

// Route stamps senderId with from, overwriting any client-supplied value, and
// enqueues the envelope for env.RecipientID. There is no retry.
func (r *Router) Route(from string, env Envelope) RouteOutcome {
	env.SenderID = from

	target, ok := r.registry.Lookup(env.RecipientID)
	if !ok {
		r.metrics.Inc(metrics.RouteUnknownRecipient)
		r.log.Debug("dropping envelope for unknown recipient",
			"client_id", from, "recipient_id", env.RecipientID, "type", env.Type)
		return RouteUnknownRecipient
	}

	payload, err := env.MarshalJSON()
	if err == nil {
		err = target.Send(payload)
	}
	if err != nil {
		r.metrics.Inc(metrics.RouteSendFailed)
		r.log.Debug("dropping envelope",
			"client_id", from, "recipient_id", env.RecipientID, "type", env.Type, "err", err)
		return RouteSendFailed
	}

	r.metrics.Inc(metrics.RouteDelivered)
	return RouteDelivered
}
