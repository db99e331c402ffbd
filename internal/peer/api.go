package peer

import (
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// NewAPI builds a pion API whose internal logs go to logger. Each configure
// hook may further adjust the SettingEngine (e.g. SetNet for a virtual
// network).
func NewAPI(logger *slog.Logger, configure ...func(*webrtc.SettingEngine)) *webrtc.API {
	se := webrtc.SettingEngine{}
	se.LoggerFactory = NewLoggerFactory(logger)
	for _, fn := range configure {
		if fn != nil {
			fn(&se)
		}
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}
