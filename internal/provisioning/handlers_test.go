package provisioning

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxbridge/signal-provisioning/internal/config"
	"github.com/mxbridge/signal-provisioning/internal/linking"
	"github.com/mxbridge/signal-provisioning/internal/signald"
	"github.com/mxbridge/signal-provisioning/internal/user"
)

const (
	testSecret = "top-secret"
	testMXID   = "@user:example.com"
)

// fakeSignal satisfies both the handlers' SignalClient and the linking
// package's LinkClient, so one fake backs the whole stack under test.
type fakeSignal struct {
	mu          sync.Mutex
	startCalls  int
	finishCalls int

	startResult  *signald.LinkingSession
	startErr     error
	profile      *signald.Profile
	profileErr   error
	scanErr      error
	finishResult *signald.Account
	finishErr    error
}

func (f *fakeSignal) IsConnected() bool                          { return true }
func (f *fakeSignal) WaitForConnected(ctx context.Context) error { return nil }

func (f *fakeSignal) StartLink(ctx context.Context) (*signald.LinkingSession, error) {
	f.mu.Lock()
	f.startCalls++
	f.mu.Unlock()
	return f.startResult, f.startErr
}

func (f *fakeSignal) WaitForScan(ctx context.Context, sessionID string) error {
	return f.scanErr
}

func (f *fakeSignal) FinishLink(ctx context.Context, sessionID, deviceName string, overwrite bool) (*signald.Account, error) {
	f.mu.Lock()
	f.finishCalls++
	f.mu.Unlock()
	if f.finishErr != nil {
		return nil, f.finishErr
	}
	return f.finishResult, nil
}

func (f *fakeSignal) GetProfile(ctx context.Context, account string, address signald.Address) (*signald.Profile, error) {
	return f.profile, f.profileErr
}

func (f *fakeSignal) Unsubscribe(ctx context.Context, account string) error   { return nil }
func (f *fakeSignal) DeleteAccount(ctx context.Context, account string) error { return nil }

func (f *fakeSignal) starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls
}

// fakeUsers is an in-memory UserStore that also records sign-ins for the
// linking coordinator.
type fakeUsers struct {
	mu    sync.Mutex
	users map[string]*user.User
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{users: make(map[string]*user.User)}
}

func (f *fakeUsers) GetByMXID(mxid string) (*user.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[mxid]; ok {
		copied := *u
		return &copied, nil
	}
	f.users[mxid] = &user.User{MXID: mxid}
	return &user.User{MXID: mxid}, nil
}

func (f *fakeUsers) ClearSignalAccount(mxid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[mxid]; ok {
		u.Username = ""
		u.UUID = ""
	}
	return nil
}

func (f *fakeUsers) OnSignIn(ctx context.Context, mxid string, account *signald.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[mxid] = &user.User{MXID: mxid, Username: account.Address.Number, UUID: account.Address.UUID}
	return nil
}

func (f *fakeUsers) setLoggedIn(mxid, number string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[mxid] = &user.User{MXID: mxid, Username: number, UUID: "existing-uuid"}
}

func (f *fakeUsers) get(mxid string) user.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[mxid]; ok {
		return *u
	}
	return user.User{}
}

type pushedState struct {
	mxid, event string
}

type fakeState struct {
	ch chan pushedState
}

func (f *fakeState) Push(ctx context.Context, mxid, stateEvent, remoteID, errorMsg string) {
	f.ch <- pushedState{mxid: mxid, event: stateEvent}
}

type testEnv struct {
	router *gin.Engine
	signal *fakeSignal
	users  *fakeUsers
	state  *fakeState
}

func newTestEnv(signal *fakeSignal) *testEnv {
	gin.SetMode(gin.TestMode)

	users := newFakeUsers()
	state := &fakeState{ch: make(chan pushedState, 4)}
	cfg := &config.Config{
		SharedSecret:      testSecret,
		DefaultDeviceName: "Signal Bridge",
		AdminUsers:        []string{"@admin:example.com"},
	}
	h := &Handlers{
		cfg:      cfg,
		log:      zerolog.Nop(),
		users:    users,
		signal:   signal,
		registry: linking.NewRegistry(signal),
		linking:  linking.NewCoordinator(signal, users, state, zerolog.Nop()),
		state:    state,
	}

	r := gin.New()
	r.GET("/v2/whoami", h.WhoAmIHandler)
	r.POST("/v2/logout", h.LogoutHandler)
	r.POST("/v1/api/link", h.LinkHandler)
	r.POST("/v1/api/link/wait", h.LinkWaitHandler)
	r.POST("/v2/link/new", h.LinkNewHandler)
	r.POST("/v2/link/wait/scan", h.LinkWaitForScanHandler)
	r.POST("/v2/link/wait/account", h.LinkWaitForAccountHandler)

	return &testEnv{router: r, signal: signal, users: users, state: state}
}

type reqOpts struct {
	noAuth   bool
	rawAuth  string
	noUserID bool
	body     string
}

func (e *testEnv) do(t *testing.T, method, path string, opts reqOpts) *httptest.ResponseRecorder {
	t.Helper()
	url := path
	if !opts.noUserID {
		url += "?user_id=" + testMXID
	}
	req := httptest.NewRequest(method, url, strings.NewReader(opts.body))
	if opts.rawAuth != "" {
		req.Header.Set("Authorization", opts.rawAuth)
	} else if !opts.noAuth {
		req.Header.Set("Authorization", "Bearer "+testSecret)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"]
}

func linkingSession() *signald.LinkingSession {
	return &signald.LinkingSession{SessionID: "s1", URI: "sgnl://linkdevice?uuid=abc&pub_key=def"}
}

func linkedAccount() *signald.Account {
	return &signald.Account{Address: signald.Address{Number: "+15551234567", UUID: "3bb9b68e-dc2b-4d21-9b4c-17ec4cca0925"}}
}

func TestAuthFailures(t *testing.T) {
	env := newTestEnv(&fakeSignal{})

	tests := []struct {
		name       string
		opts       reqOpts
		wantStatus int
		wantError  string
	}{
		{"missing header", reqOpts{noAuth: true}, http.StatusBadRequest, "Missing Authorization header"},
		{"malformed header", reqOpts{rawAuth: "NotBearer xyz"}, http.StatusBadRequest, "Malformed Authorization header"},
		{"wrong secret", reqOpts{rawAuth: "Bearer wrong"}, http.StatusForbidden, "Invalid token"},
		{"missing user_id", reqOpts{noUserID: true}, http.StatusBadRequest, "Missing user_id query param"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodGet, "/v2/whoami", tt.opts)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantError, errorBody(t, w))
		})
	}
}

func TestWhoAmINotLoggedIn(t *testing.T) {
	env := newTestEnv(&fakeSignal{})

	w := env.do(t, http.MethodGet, "/v2/whoami", reqOpts{})
	require.Equal(t, http.StatusOK, w.Code)

	var resp WhoAmIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "user", resp.Permissions)
	assert.Equal(t, testMXID, resp.MXID)
	assert.Nil(t, resp.Signal)
}

func TestWhoAmILoggedIn(t *testing.T) {
	env := newTestEnv(&fakeSignal{profile: &signald.Profile{
		Name:    "Test Person",
		Address: signald.Address{Number: "+15551234567", UUID: "profile-uuid"},
	}})
	env.users.setLoggedIn(testMXID, "+15551234567")

	w := env.do(t, http.MethodGet, "/v2/whoami", reqOpts{})
	require.Equal(t, http.StatusOK, w.Code)

	var resp WhoAmIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Signal)
	assert.True(t, resp.Signal.OK)
	assert.Equal(t, "+15551234567", resp.Signal.Number)
	assert.Equal(t, "profile-uuid", resp.Signal.UUID)
	assert.Equal(t, "Test Person", resp.Signal.Name)
}

func TestWhoAmIProfileFetchFails(t *testing.T) {
	env := newTestEnv(&fakeSignal{profileErr: &signald.InternalError{
		Message:    "profile fetch failed",
		Exceptions: []string{authFailedException},
	}})
	env.users.setLoggedIn(testMXID, "+15551234567")

	w := env.do(t, http.MethodGet, "/v2/whoami", reqOpts{})
	require.Equal(t, http.StatusOK, w.Code)

	var resp WhoAmIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Signal)
	assert.False(t, resp.Signal.OK)
	assert.Equal(t, "+15551234567", resp.Signal.Number)
	assert.NotEmpty(t, resp.Signal.Error)

	// Rejected credentials go to the bridge state channel.
	select {
	case ev := <-env.state.ch:
		assert.Equal(t, "BAD_CREDENTIALS", ev.event)
		assert.Equal(t, testMXID, ev.mxid)
	default:
		t.Fatal("expected a BAD_CREDENTIALS bridge state push")
	}
}

func TestLinkNew(t *testing.T) {
	env := newTestEnv(&fakeSignal{startResult: linkingSession()})

	w := env.do(t, http.MethodPost, "/v2/link/new", reqOpts{body: "{}"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp signald.LinkingSession
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, "sgnl://linkdevice?uuid=abc&pub_key=def", resp.URI)
}

func TestLinkNewAlreadyLoggedIn(t *testing.T) {
	signal := &fakeSignal{startResult: linkingSession()}
	env := newTestEnv(signal)
	env.users.setLoggedIn(testMXID, "+15551234567")

	w := env.do(t, http.MethodPost, "/v2/link/new", reqOpts{body: "{}"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "You're already logged in", errorBody(t, w))
	assert.Zero(t, signal.starts(), "no remote call may happen for an already linked user")
}

func TestLinkWaitForScan(t *testing.T) {
	env := newTestEnv(&fakeSignal{})

	w := env.do(t, http.MethodPost, "/v2/link/wait/scan", reqOpts{body: `{"session_id":"s1"}`})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "{}", w.Body.String())
}

func TestLinkWaitForScanMissingSessionID(t *testing.T) {
	env := newTestEnv(&fakeSignal{})

	w := env.do(t, http.MethodPost, "/v2/link/wait/scan", reqOpts{body: "{}"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "session_id not provided", errorBody(t, w))
}

func TestLinkWaitForScanFailure(t *testing.T) {
	env := newTestEnv(&fakeSignal{scanErr: &signald.RequestError{Type: "NoSuchSessionError", Message: "unknown session"}})

	w := env.do(t, http.MethodPost, "/v2/link/wait/scan", reqOpts{body: `{"session_id":"bogus"}`})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, errorBody(t, w), "Failed waiting for scan")
}

func TestLinkWaitForAccountSuccess(t *testing.T) {
	env := newTestEnv(&fakeSignal{finishResult: linkedAccount()})

	w := env.do(t, http.MethodPost, "/v2/link/wait/account",
		reqOpts{body: `{"session_id":"s1","device_name":"test"}`})
	require.Equal(t, http.StatusOK, w.Code)

	var addr signald.Address
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &addr))
	assert.Equal(t, "+15551234567", addr.Number)

	// The completed link is recorded against the user.
	assert.Equal(t, "+15551234567", env.users.get(testMXID).Username)
}

func TestLinkWaitForAccountTimeout(t *testing.T) {
	env := newTestEnv(&fakeSignal{finishErr: &signald.TimeoutError{Message: "took too long"}})

	w := env.do(t, http.MethodPost, "/v2/link/wait/account", reqOpts{body: `{"session_id":"s1"}`})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Signal linking timed out", errorBody(t, w))
}

func TestLinkWaitForAccountTransportDisconnect(t *testing.T) {
	env := newTestEnv(&fakeSignal{finishErr: &signald.InternalError{
		Message:    "signald error",
		Exceptions: []string{"java.io.IOException"},
	}})

	w := env.do(t, http.MethodPost, "/v2/link/wait/account", reqOpts{body: `{"session_id":"s1"}`})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Signald websocket disconnected before linking finished", errorBody(t, w))
}

func TestLinkWaitForAccountFatal(t *testing.T) {
	env := newTestEnv(&fakeSignal{finishErr: &signald.InternalError{Message: "boom"}})

	w := env.do(t, http.MethodPost, "/v2/link/wait/account", reqOpts{body: `{"session_id":"s1"}`})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Fatal error in Signal linking", errorBody(t, w))
}

func TestLegacyLinkFlow(t *testing.T) {
	env := newTestEnv(&fakeSignal{startResult: linkingSession(), finishResult: linkedAccount()})

	w := env.do(t, http.MethodPost, "/v1/api/link", reqOpts{body: `{"device_name":"test device"}`})
	require.Equal(t, http.StatusOK, w.Code)
	var linkResp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &linkResp))
	assert.Equal(t, "sgnl://linkdevice?uuid=abc&pub_key=def", linkResp["uri"])

	// The wait call recovers session and device name server-side.
	w = env.do(t, http.MethodPost, "/v1/api/link/wait", reqOpts{body: "{}"})
	require.Equal(t, http.StatusOK, w.Code)
	var addr signald.Address
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &addr))
	assert.Equal(t, "+15551234567", addr.Number)
}

func TestLegacyLinkWaitWithoutLink(t *testing.T) {
	env := newTestEnv(&fakeSignal{})

	w := env.do(t, http.MethodPost, "/v1/api/link/wait", reqOpts{body: "{}"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "No Signal linking started", errorBody(t, w))
}

func TestLegacyLinkAlreadyLoggedIn(t *testing.T) {
	signal := &fakeSignal{startResult: linkingSession()}
	env := newTestEnv(signal)
	env.users.setLoggedIn(testMXID, "+15551234567")

	w := env.do(t, http.MethodPost, "/v1/api/link", reqOpts{body: "{}"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Zero(t, signal.starts())
}

func TestLogoutNotLoggedIn(t *testing.T) {
	env := newTestEnv(&fakeSignal{})

	w := env.do(t, http.MethodPost, "/v2/logout", reqOpts{})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "You're not logged in", errorBody(t, w))
}

func TestLogout(t *testing.T) {
	env := newTestEnv(&fakeSignal{})
	env.users.setLoggedIn(testMXID, "+15551234567")

	w := env.do(t, http.MethodPost, "/v2/logout", reqOpts{})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "{}", w.Body.String())
	assert.Empty(t, env.users.get(testMXID).Username)
}

func TestMalformedJSONBody(t *testing.T) {
	env := newTestEnv(&fakeSignal{})

	w := env.do(t, http.MethodPost, "/v2/link/wait/scan", reqOpts{body: "{not json"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Malformed JSON", errorBody(t, w))
}

func TestAdminPermissionLevel(t *testing.T) {
	env := newTestEnv(&fakeSignal{})

	req := httptest.NewRequest(http.MethodGet, "/v2/whoami?user_id=@admin:example.com", nil)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp WhoAmIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "admin", resp.Permissions)
}
