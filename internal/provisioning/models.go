package provisioning

// LinkRequest is the body of the legacy POST /v1/api/link call.
type LinkRequest struct {
	DeviceName string `json:"device_name"`
}

// SessionRequest is the body of the v2 link wait calls. DeviceName is only
// read by link/wait/account.
type SessionRequest struct {
	SessionID  string `json:"session_id"`
	DeviceName string `json:"device_name"`
}

// SignalStatus is the signal block of the whoami response.
type SignalStatus struct {
	Number string `json:"number"`
	UUID   string `json:"uuid,omitempty"`
	Name   string `json:"name,omitempty"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// WhoAmIResponse describes the authenticated user. Signal is null until the
// user links an account.
type WhoAmIResponse struct {
	Permissions string        `json:"permissions"`
	MXID        string        `json:"mxid"`
	Signal      *SignalStatus `json:"signal"`
}
