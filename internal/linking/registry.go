package linking

import (
	"context"
	"sync"

	"github.com/mxbridge/signal-provisioning/internal/signald"
)

// LinkClient is the slice of the signald client the linking flow uses.
type LinkClient interface {
	StartLink(ctx context.Context) (*signald.LinkingSession, error)
	WaitForScan(ctx context.Context, sessionID string) error
	FinishLink(ctx context.Context, sessionID, deviceName string, overwrite bool) (*signald.Account, error)
}

// PendingLink is a user's in-flight linking attempt. The legacy link API
// stores it server-side between the link and link/wait calls.
type PendingLink struct {
	SessionID  string
	DeviceName string
}

// Registry holds at most one PendingLink per user. Starting a new session
// simply overwrites the slot; the superseded session is not cancelled.
type Registry struct {
	client LinkClient

	mu      sync.Mutex
	pending map[string]PendingLink
}

// NewRegistry creates a registry backed by the given link client.
func NewRegistry(client LinkClient) *Registry {
	return &Registry{
		client:  client,
		pending: make(map[string]PendingLink),
	}
}

// CreateOrReplace starts a fresh linking session and records it as the
// user's pending attempt, replacing any prior one.
func (r *Registry) CreateOrReplace(ctx context.Context, mxid, deviceName string) (*signald.LinkingSession, error) {
	sess, err := r.client.StartLink(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.pending[mxid] = PendingLink{SessionID: sess.SessionID, DeviceName: deviceName}
	r.mu.Unlock()

	return sess, nil
}

// GetPending returns the user's pending attempt, if any.
func (r *Registry) GetPending(mxid string) (PendingLink, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	link, ok := r.pending[mxid]
	return link, ok
}

// Clear drops the user's pending attempt. Called once a wait resolves so a
// finished session cannot be waited on again through the legacy API.
func (r *Registry) Clear(mxid string) {
	r.mu.Lock()
	delete(r.pending, mxid)
	r.mu.Unlock()
}
