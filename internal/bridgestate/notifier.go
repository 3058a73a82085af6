// Package bridgestate pushes connection-state transitions to an operator
// status endpoint. The eventual result of a linking handshake whose caller
// went away is only observable through these pushes.
package bridgestate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Bridge state events understood by the status endpoint.
const (
	EventConnected      = "CONNECTED"
	EventBadCredentials = "BAD_CREDENTIALS"
	EventUnknownError   = "UNKNOWN_ERROR"
)

// Notifier POSTs state events to the configured endpoint. A Notifier with an
// empty endpoint is valid and drops every push.
type Notifier struct {
	endpoint string
	token    string
	client   *http.Client
	log      zerolog.Logger
}

// NewNotifier creates a notifier for the given endpoint. endpoint may be
// empty, in which case pushes are no-ops.
func NewNotifier(endpoint, token string, log zerolog.Logger) *Notifier {
	return &Notifier{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log.With().Str("component", "bridgestate").Logger(),
	}
}

type statePayload struct {
	StateEvent string `json:"state_event"`
	UserID     string `json:"user_id"`
	RemoteID   string `json:"remote_id,omitempty"`
	Error      string `json:"error,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// Push sends a state event for the given user. Failures are logged, never
// returned: state pushes are best-effort by nature.
func (n *Notifier) Push(ctx context.Context, mxid, stateEvent, remoteID, errorMsg string) {
	if n.endpoint == "" {
		return
	}

	payload := statePayload{
		StateEvent: stateEvent,
		UserID:     mxid,
		RemoteID:   remoteID,
		Error:      errorMsg,
		Timestamp:  time.Now().Unix(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		n.log.Error().Err(err).Msg("Failed to marshal bridge state payload")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		n.log.Error().Err(err).Msg("Failed to build bridge state request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", n.token))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Warn().Err(err).Str("event", stateEvent).Msg("Failed to push bridge state")
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		n.log.Warn().Int("status", resp.StatusCode).Str("event", stateEvent).Msg("Bridge state push rejected")
		return
	}
	n.log.Debug().Str("event", stateEvent).Str("mxid", mxid).Msg("Pushed bridge state")
}
