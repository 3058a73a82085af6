package signald

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const reconnectInterval = 5 * time.Second

// response is the envelope signald wraps every reply in. Replies are matched
// to requests by the id field. localErr is set for synthetic responses
// injected when the connection drops.
type response struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	ErrorType string          `json:"error_type"`
	Error     json.RawMessage `json:"error"`

	localErr error
}

// Client is a request/response client for signald's websocket API. A single
// reader goroutine dispatches replies to in-flight requests by correlation
// id; writes are serialized. The client reconnects in the background if the
// daemon goes away.
type Client struct {
	url string
	log zerolog.Logger

	writeLock sync.Mutex

	stateLock sync.Mutex
	conn      *websocket.Conn
	connected chan struct{}
	closing   bool

	pendingLock sync.Mutex
	pending     map[string]chan *response
}

// NewClient creates a client for the signald daemon at the given ws:// URL.
func NewClient(url string, log zerolog.Logger) *Client {
	return &Client{
		url:       url,
		log:       log.With().Str("component", "signald").Logger(),
		connected: make(chan struct{}),
		pending:   make(map[string]chan *response),
	}
}

// Connect dials signald and starts the reader goroutine. Safe to call again
// after a disconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.stateLock.Lock()
	if c.closing {
		c.stateLock.Unlock()
		return errors.New("client is closed")
	}
	if c.conn != nil {
		c.stateLock.Unlock()
		return nil
	}
	c.stateLock.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial signald at %s: %w", c.url, err)
	}

	c.stateLock.Lock()
	if c.closing || c.conn != nil {
		// Lost a race against Close or a concurrent Connect.
		c.stateLock.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	close(c.connected)
	c.stateLock.Unlock()

	c.log.Info().Str("url", c.url).Msg("Connected to signald")
	go c.readLoop(conn)
	return nil
}

// IsConnected reports whether the websocket is currently up.
func (c *Client) IsConnected() bool {
	select {
	case <-c.connectedChan():
		return true
	default:
		return false
	}
}

// WaitForConnected blocks until the client is connected or ctx is done.
func (c *Client) WaitForConnected(ctx context.Context) error {
	select {
	case <-c.connectedChan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the connection down and stops reconnecting.
func (c *Client) Close() error {
	c.stateLock.Lock()
	c.closing = true
	conn := c.conn
	c.stateLock.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) connectedChan() <-chan struct{} {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.connected
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var resp response
		if err := conn.ReadJSON(&resp); err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		if resp.ID == "" {
			// Unsolicited broadcast (incoming message, listener state).
			// The provisioning API has no use for these.
			c.log.Debug().Str("type", resp.Type).Msg("Ignoring unsolicited signald message")
			continue
		}
		c.deliver(&resp)
	}
}

func (c *Client) deliver(resp *response) {
	c.pendingLock.Lock()
	ch, ok := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	c.pendingLock.Unlock()
	if !ok {
		c.log.Warn().Str("id", resp.ID).Str("type", resp.Type).Msg("Got signald response with unknown request ID")
		return
	}
	ch <- resp
}

func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	conn.Close()

	c.stateLock.Lock()
	if c.conn == conn {
		c.conn = nil
		c.connected = make(chan struct{})
	}
	closing := c.closing
	c.stateLock.Unlock()

	// Fail every in-flight request so callers do not hang forever.
	c.pendingLock.Lock()
	for id, ch := range c.pending {
		ch <- &response{ID: id, localErr: fmt.Errorf("%w: %v", ErrDisconnected, err)}
		delete(c.pending, id)
	}
	c.pendingLock.Unlock()

	if closing {
		return
	}
	c.log.Error().Err(err).Msg("Lost connection to signald, reconnecting")
	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	for {
		time.Sleep(reconnectInterval)
		c.stateLock.Lock()
		closing := c.closing
		c.stateLock.Unlock()
		if closing {
			return
		}
		if err := c.Connect(context.Background()); err != nil {
			c.log.Warn().Err(err).Msg("Reconnect to signald failed")
			continue
		}
		return
	}
}

// request sends a v1 request and waits for its reply. The wait is bounded by
// ctx only: signald enforces its own deadlines and reports them as
// TimeoutError, which callers are expected to classify.
func (c *Client) request(ctx context.Context, reqType string, params map[string]any, out any) error {
	id := uuid.NewString()
	req := map[string]any{
		"type":    reqType,
		"version": "v1",
		"id":      id,
	}
	for k, v := range params {
		req[k] = v
	}

	ch := make(chan *response, 1)
	c.pendingLock.Lock()
	c.pending[id] = ch
	c.pendingLock.Unlock()

	c.stateLock.Lock()
	conn := c.conn
	c.stateLock.Unlock()
	if conn == nil {
		c.unregister(id)
		return ErrDisconnected
	}

	c.writeLock.Lock()
	err := conn.WriteJSON(req)
	c.writeLock.Unlock()
	if err != nil {
		c.unregister(id)
		return fmt.Errorf("failed to send %s request: %w", reqType, err)
	}

	select {
	case resp := <-ch:
		if resp.localErr != nil {
			return resp.localErr
		}
		if resp.ErrorType != "" {
			return decodeError(resp.ErrorType, resp.Error)
		}
		if out != nil {
			if err := json.Unmarshal(resp.Data, out); err != nil {
				return fmt.Errorf("failed to parse %s response: %w", reqType, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.unregister(id)
		return ctx.Err()
	}
}

func (c *Client) unregister(id string) {
	c.pendingLock.Lock()
	delete(c.pending, id)
	c.pendingLock.Unlock()
}

// StartLink asks signald for a fresh linking session.
func (c *Client) StartLink(ctx context.Context) (*LinkingSession, error) {
	var sess LinkingSession
	if err := c.request(ctx, "generate_linking_uri", nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// WaitForScan blocks until the QR code for the session has been scanned.
// Cancelling ctx abandons the wait; the session stays valid and the same QR
// can be re-displayed.
func (c *Client) WaitForScan(ctx context.Context, sessionID string) error {
	return c.request(ctx, "wait_for_scan", map[string]any{"session_id": sessionID}, nil)
}

// FinishLink completes the linking handshake and returns the linked account.
func (c *Client) FinishLink(ctx context.Context, sessionID, deviceName string, overwrite bool) (*Account, error) {
	var account Account
	params := map[string]any{
		"session_id":  sessionID,
		"device_name": deviceName,
		"overwrite":   overwrite,
	}
	if err := c.request(ctx, "finish_link", params, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// GetProfile fetches the Signal profile for the given address.
func (c *Client) GetProfile(ctx context.Context, account string, address Address) (*Profile, error) {
	var profile Profile
	params := map[string]any{
		"account": account,
		"address": address,
	}
	if err := c.request(ctx, "get_profile", params, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// Unsubscribe stops receiving messages for the account.
func (c *Client) Unsubscribe(ctx context.Context, account string) error {
	return c.request(ctx, "unsubscribe", map[string]any{"account": account}, nil)
}

// DeleteAccount removes the account's local state from signald. The account
// itself is left registered on the Signal servers.
func (c *Client) DeleteAccount(ctx context.Context, account string) error {
	return c.request(ctx, "delete_account", map[string]any{"account": account, "server": false}, nil)
}
