package provisioning

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mxbridge/signal-provisioning/internal/user"
)

// checkAuth validates the bearer shared secret and resolves the target
// bridge user from the user_id query param. On failure it writes the error
// response and returns false. The user itself needs no prior registration;
// authenticating creates the bridge user row.
func (h *Handlers) checkAuth(c *gin.Context) (*user.User, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing Authorization header"})
		return nil, false
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed Authorization header"})
		return nil, false
	}
	if token != h.cfg.SharedSecret {
		c.JSON(http.StatusForbidden, gin.H{"error": "Invalid token"})
		return nil, false
	}

	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing user_id query param"})
		return nil, false
	}

	// Hold the request until signald is reachable rather than failing a
	// client that raced a daemon restart.
	if !h.signal.IsConnected() {
		if err := h.signal.WaitForConnected(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Not connected to signald"})
			return nil, false
		}
	}

	u, err := h.users.GetByMXID(userID)
	if err != nil {
		h.log.Error().Err(err).Str("mxid", userID).Msg("Failed to load bridge user")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load user"})
		return nil, false
	}
	return u, true
}
