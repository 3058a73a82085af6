package signald

// Address identifies a Signal account by phone number and/or account UUID.
type Address struct {
	Number string `json:"number,omitempty"`
	UUID   string `json:"uuid,omitempty"`
}

// LinkingSession is the result of generate_linking_uri: an opaque session ID
// plus the sgnl:// URI to display as a QR code. Immutable after creation.
type LinkingSession struct {
	SessionID string `json:"session_id"`
	URI       string `json:"uri"`
}

// Account is a linked Signal account as reported by signald when a linking
// handshake completes.
type Account struct {
	Address  Address `json:"address"`
	DeviceID int64   `json:"device_id,omitempty"`
}

// Profile is a Signal profile as returned by get_profile.
type Profile struct {
	Name    string  `json:"name,omitempty"`
	Address Address `json:"address"`
}
