package provisioning

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/mxbridge/signal-provisioning/internal/app"
	"github.com/mxbridge/signal-provisioning/internal/bridgestate"
	"github.com/mxbridge/signal-provisioning/internal/config"
	"github.com/mxbridge/signal-provisioning/internal/linking"
	"github.com/mxbridge/signal-provisioning/internal/signald"
	"github.com/mxbridge/signal-provisioning/internal/user"
)

// authFailedException is signald's marker for rejected Signal credentials.
const authFailedException = "org.whispersystems.signalservice.api.push.exceptions.AuthorizationFailedException"

// SignalClient is the signald surface the handlers call directly. The
// linking flow itself goes through the registry and coordinator.
type SignalClient interface {
	IsConnected() bool
	WaitForConnected(ctx context.Context) error
	StartLink(ctx context.Context) (*signald.LinkingSession, error)
	GetProfile(ctx context.Context, account string, address signald.Address) (*signald.Profile, error)
	Unsubscribe(ctx context.Context, account string) error
	DeleteAccount(ctx context.Context, account string) error
}

// UserStore is the persistence surface the handlers need.
type UserStore interface {
	GetByMXID(mxid string) (*user.User, error)
	ClearSignalAccount(mxid string) error
}

// StatePusher mirrors bridgestate.Notifier.
type StatePusher interface {
	Push(ctx context.Context, mxid, stateEvent, remoteID, errorMsg string)
}

// Handlers contains the provisioning HTTP handlers.
type Handlers struct {
	cfg      *config.Config
	log      zerolog.Logger
	users    UserStore
	signal   SignalClient
	registry *linking.Registry
	linking  *linking.Coordinator
	state    StatePusher
}

// NewHandlers creates the provisioning handlers from shared app state.
func NewHandlers(a *app.App) *Handlers {
	return &Handlers{
		cfg:      a.Config,
		log:      a.Log.With().Str("component", "provisioning").Logger(),
		users:    a.Users,
		signal:   a.Signal,
		registry: a.Registry,
		linking:  a.Linking,
		state:    a.State,
	}
}

// WhoAmIHandler reports the authenticated user's permission level, mxid and
// the state of their linked Signal account.
func (h *Handlers) WhoAmIHandler(c *gin.Context) {
	u, ok := h.checkAuth(c)
	if !ok {
		return
	}

	resp := WhoAmIResponse{
		Permissions: h.cfg.PermissionLevel(u.MXID),
		MXID:        u.MXID,
	}
	if u.IsLoggedIn() {
		resp.Signal = h.signalStatus(c.Request.Context(), u)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) signalStatus(ctx context.Context, u *user.User) *SignalStatus {
	profile, err := h.signal.GetProfile(ctx, u.Username, signald.Address{Number: u.Username})
	if err != nil {
		h.log.Error().Err(err).Str("number", u.Username).Msg("Failed to get profile for whoami")

		var internalErr *signald.InternalError
		if errors.As(err, &internalErr) && internalErr.HasException(authFailedException) {
			h.state.Push(ctx, u.MXID, bridgestate.EventBadCredentials, u.Username, err.Error())
		}
		return &SignalStatus{Number: u.Username, OK: false, Error: err.Error()}
	}

	status := &SignalStatus{Number: u.Username, UUID: u.UUID, OK: true}
	if profile != nil {
		if profile.Address.Number != "" {
			status.Number = profile.Address.Number
		}
		if profile.Address.UUID != "" {
			status.UUID = profile.Address.UUID
		}
		status.Name = profile.Name
	}
	return status
}

// LogoutHandler unlinks the user's Signal account.
func (h *Handlers) LogoutHandler(c *gin.Context) {
	u, ok := h.checkAuth(c)
	if !ok {
		return
	}
	if !u.IsLoggedIn() {
		c.JSON(http.StatusNotFound, gin.H{"error": "You're not logged in"})
		return
	}

	ctx := c.Request.Context()
	// Best effort on the signald side; the bridge-side row is cleared
	// regardless so the user can re-link.
	if err := h.signal.Unsubscribe(ctx, u.Username); err != nil {
		h.log.Warn().Err(err).Str("number", u.Username).Msg("Error unsubscribing during logout")
	}
	if err := h.signal.DeleteAccount(ctx, u.Username); err != nil {
		h.log.Warn().Err(err).Str("number", u.Username).Msg("Error deleting signald account data during logout")
	}
	if err := h.users.ClearSignalAccount(u.MXID); err != nil {
		h.log.Error().Err(err).Str("mxid", u.MXID).Msg("Failed to clear signal account")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to log out"})
		return
	}
	h.registry.Clear(u.MXID)

	h.log.Info().Str("mxid", u.MXID).Msg("User logged out")
	c.JSON(http.StatusOK, gin.H{})
}

// LinkHandler (legacy) starts a linking session and stores the session
// server-side; the caller only gets the URI back and recovers the session in
// the separate wait call.
func (h *Handlers) LinkHandler(c *gin.Context) {
	u, ok := h.checkAuth(c)
	if !ok {
		return
	}
	if u.IsLoggedIn() {
		c.JSON(http.StatusConflict, gin.H{"error": "You're already logged in"})
		return
	}

	var req LinkRequest
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed JSON"})
		return
	}
	deviceName := req.DeviceName
	if deviceName == "" {
		deviceName = h.cfg.DefaultDeviceName
	}

	sess, err := h.registry.CreateOrReplace(c.Request.Context(), u.MXID, deviceName)
	if err != nil {
		h.log.Error().Err(err).Str("mxid", u.MXID).Msg("Failed to start linking session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start Signal linking"})
		return
	}

	h.log.Debug().Str("mxid", u.MXID).Str("session_id", sess.SessionID).Msg("Returning linking URI")
	c.JSON(http.StatusOK, gin.H{"uri": sess.URI})
}

// LinkWaitHandler (legacy) waits for the previously started linking session
// to finish.
func (h *Handlers) LinkWaitHandler(c *gin.Context) {
	u, ok := h.checkAuth(c)
	if !ok {
		return
	}
	if u.IsLoggedIn() {
		c.JSON(http.StatusConflict, gin.H{"error": "You're already logged in"})
		return
	}

	pending, ok := h.registry.GetPending(u.MXID)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No Signal linking started"})
		return
	}

	if h.waitForCompletion(c, u, pending.SessionID, pending.DeviceName) {
		h.registry.Clear(u.MXID)
	}
}

// LinkNewHandler (v2) starts a linking session. The caller owns the session
// ID from here on; nothing is stored server-side.
func (h *Handlers) LinkNewHandler(c *gin.Context) {
	u, ok := h.authAndBind(c, nil)
	if !ok {
		return
	}

	h.log.Debug().Str("mxid", u.MXID).Msg("Getting session ID and link URI")
	sess, err := h.signal.StartLink(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Str("mxid", u.MXID).Msg("Failed to start linking session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start Signal linking"})
		return
	}

	h.log.Debug().Str("mxid", u.MXID).Str("session_id", sess.SessionID).Msg("Returning session ID and link URI")
	c.JSON(http.StatusOK, sess)
}

// LinkWaitForScanHandler (v2) waits for the session's QR code to be scanned.
func (h *Handlers) LinkWaitForScanHandler(c *gin.Context) {
	var req SessionRequest
	_, ok := h.authAndBind(c, &req)
	if !ok {
		return
	}
	if req.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id not provided"})
		return
	}

	if err := h.linking.WaitForScan(c.Request.Context(), req.SessionID); err != nil {
		h.log.Error().Err(err).Str("session_id", req.SessionID).Msg("Failed waiting for scan")
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Failed waiting for scan. Error: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

// LinkWaitForAccountHandler (v2) waits for the linking handshake to finish
// and returns the linked account's address.
func (h *Handlers) LinkWaitForAccountHandler(c *gin.Context) {
	var req SessionRequest
	u, ok := h.authAndBind(c, &req)
	if !ok {
		return
	}
	if req.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id not provided"})
		return
	}
	deviceName := req.DeviceName
	if deviceName == "" {
		deviceName = h.cfg.DefaultDeviceName
	}

	h.waitForCompletion(c, u, req.SessionID, deviceName)
}

// authAndBind is the shared front half of the link endpoints: authenticate,
// reject already-linked users, decode the body. out may be nil for
// body-less endpoints; an empty body is tolerated either way.
func (h *Handlers) authAndBind(c *gin.Context, out any) (*user.User, bool) {
	u, ok := h.checkAuth(c)
	if !ok {
		return nil, false
	}
	if u.IsLoggedIn() {
		c.JSON(http.StatusConflict, gin.H{"error": "You're already logged in"})
		return nil, false
	}
	if out != nil {
		if err := c.ShouldBindJSON(out); err != nil && err != io.EOF {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed JSON"})
			return nil, false
		}
	}
	return u, true
}

// waitForCompletion renders the outcome of a completion wait. Returns true
// when the link succeeded.
func (h *Handlers) waitForCompletion(c *gin.Context, u *user.User, sessionID, deviceName string) bool {
	res := h.linking.WaitForCompletion(c.Request.Context(), u.MXID, sessionID, deviceName)
	switch res.Outcome {
	case linking.OutcomeSuccess:
		c.JSON(http.StatusOK, res.Account.Address)
		return true
	case linking.OutcomeTimedOut:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Signal linking timed out"})
	case linking.OutcomeTransportDisconnected:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Signald websocket disconnected before linking finished"})
	case linking.OutcomeCallerCancelled:
		// The caller is gone; this response is written into the void, but
		// the handshake itself is still running.
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Client cancelled link wait request (%s) before it finished", sessionID),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Fatal error in Signal linking"})
	}
	return false
}
