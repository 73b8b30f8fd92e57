// Package dial is the outbound call intake: an HTTP surface that places
// calls through the control plane and threads context selection and template
// variables onto the resulting channel, so outbound calls resolve exactly
// like inbound ones once their channel enters the application.
package dial

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/voicebridge/voicebridge/pkg/engine/controlplane"
)

// Request is one outbound placement.
type Request struct {
	// Endpoint is the telephony dial target (for example PJSIP/+15550100).
	Endpoint string `json:"endpoint"`
	CallerID string `json:"caller_id,omitempty"`
	// Context and Provider override the engine defaults for this call.
	Context  string `json:"context,omitempty"`
	Provider string `json:"provider,omitempty"`
	// Vars become template variables in the context's instructions.
	Vars map[string]string `json:"vars,omitempty"`
}

// Response reports the placed channel.
type Response struct {
	ChannelID string `json:"channel_id"`
}

// Service places outbound calls.
type Service struct {
	commander      controlplane.Commander
	logger         *slog.Logger
	ringTimeoutSec int
}

// New creates the dial service.
func New(commander controlplane.Commander, logger *slog.Logger, ringTimeoutSec int) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if ringTimeoutSec <= 0 {
		ringTimeoutSec = 30
	}
	return &Service{commander: commander, logger: logger, ringTimeoutSec: ringTimeoutSec}
}

// Handler returns the HTTP handler for POST /dial. Context, provider, and
// vars ride as channel variables; the control plane echoes them back in the
// call-start event args.
func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req Request
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Endpoint) == "" {
			http.Error(w, "endpoint is required", http.StatusBadRequest)
			return
		}

		vars := make(map[string]string, len(req.Vars)+3)
		for k, v := range req.Vars {
			vars[k] = v
		}
		if req.Context != "" {
			vars["context"] = req.Context
		}
		if req.Provider != "" {
			vars["provider"] = req.Provider
		}
		vars["direction"] = "outbound"

		channelID, err := s.commander.Originate(r.Context(), controlplane.OriginateRequest{
			Endpoint:  req.Endpoint,
			CallerID:  req.CallerID,
			Timeout:   s.ringTimeoutSec,
			Variables: vars,
		})
		if err != nil {
			s.logger.Warn("originate failed", "endpoint", req.Endpoint, "error", err)
			http.Error(w, "originate failed", http.StatusBadGateway)
			return
		}

		s.logger.Info("outbound call placed", "endpoint", req.Endpoint, "channel_id", channelID, "context", req.Context)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Response{ChannelID: channelID})
	})
}
