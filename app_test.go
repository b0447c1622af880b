package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/pliu/relaychat/internal/config"
	"github.com/pliu/relaychat/internal/email"
	"github.com/pliu/relaychat/internal/logging"
	"github.com/pliu/relaychat/internal/models"
	"github.com/pliu/relaychat/internal/ws"
)

type captureMailer struct {
	notices chan email.OTPNotice
}

func (m *captureMailer) SendOTP(_ context.Context, n email.OTPNotice) error {
	m.notices <- n
	return nil
}

type testServer struct {
	srv    *httptest.Server
	mailer *captureMailer
}

func newTestServer(t *testing.T, modify func(*config.Config)) *testServer {
	t.Helper()
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.OTPHashCost = bcrypt.MinCost
	cfg.LogOTPCodes = false
	if modify != nil {
		modify(cfg)
	}
	require.NoError(t, cfg.Validate())

	mailer := &captureMailer{notices: make(chan email.OTPNotice, 8)}
	a, err := newApp(cfg, logging.Discard(), mailer)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	a.start(ctx)
	srv := httptest.NewServer(a.handler)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		assert.NoError(t, a.close())
	})
	return &testServer{srv: srv, mailer: mailer}
}

func (s *testServer) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(s.srv.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *testServer) signIn(t *testing.T, addr, name string) (string, models.User) {
	t.Helper()
	resp := s.post(t, "/auth/request-otp", map[string]string{"email": addr, "name": name})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var notice email.OTPNotice
	select {
	case notice = <-s.mailer.notices:
	case <-time.After(2 * time.Second):
		t.Fatal("no OTP email was sent")
	}
	require.Equal(t, addr, notice.Email)

	resp = s.post(t, "/auth/verify-otp", map[string]string{"email": addr, "name": name, "otp": notice.Code})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var session struct {
		Token string      `json:"token"`
		User  models.User `json:"user"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&session))
	require.NotEmpty(t, session.Token)
	return session.Token, session.User
}

func (s *testServer) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frameType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(ws.Frame{Type: frameType, Payload: raw}))
}

func receive(t *testing.T, conn *websocket.Conn) ws.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f ws.Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestSignInListAndChat(t *testing.T) {
	s := newTestServer(t, nil)

	aliceToken, alice := s.signIn(t, "a@x.com", "Alice")
	bobToken, bob := s.signIn(t, "b@x.com", "Bob")
	assert.Equal(t, models.User{ID: "1", Email: "a@x.com", Name: "Alice"}, alice)
	assert.Equal(t, models.User{ID: "2", Email: "b@x.com", Name: "Bob"}, bob)

	req, err := http.NewRequest("GET", s.srv.URL+"/users", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+aliceToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var users []models.User
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&users))
	assert.Equal(t, []models.User{bob}, users)

	aliceConn := s.dial(t, aliceToken)
	bobConn := s.dial(t, bobToken)

	send(t, aliceConn, ws.TypeJoinChat, ws.JoinChatPayload{OtherUserID: bob.ID})
	require.Equal(t, ws.TypeJoinedChat, receive(t, aliceConn).Type)
	send(t, bobConn, ws.TypeJoinChat, ws.JoinChatPayload{OtherUserID: alice.ID})
	require.Equal(t, ws.TypeJoinedChat, receive(t, bobConn).Type)

	send(t, aliceConn, ws.TypeSendMessage, ws.SendMessagePayload{OtherUserID: bob.ID, Text: "hi bob"})

	f := receive(t, bobConn)
	require.Equal(t, ws.TypeReceiveMessage, f.Type)
	var msg ws.ReceiveMessagePayload
	require.NoError(t, json.Unmarshal(f.Payload, &msg))
	assert.Equal(t, "1_2", msg.RoomID)
	assert.Equal(t, alice.ID, msg.FromUserID)
	assert.Equal(t, bob.ID, msg.ToUserID)
	assert.Equal(t, "hi bob", msg.Text)
}

func TestUnauthenticatedAccess(t *testing.T) {
	s := newTestServer(t, nil)

	resp, err := http.Get(s.srv.URL + "/users")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, wsResp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.srv.URL, "http")+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, wsResp)
	assert.Equal(t, http.StatusUnauthorized, wsResp.StatusCode)
}

func TestBannerHealthAndCORS(t *testing.T) {
	s := newTestServer(t, nil)

	for path, want := range map[string]string{"/": "Chat backend with email login", "/healthz": "ok"} {
		resp, err := http.Get(s.srv.URL + path)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, want, string(body))
	}

	req, err := http.NewRequest(http.MethodOptions, s.srv.URL+"/auth/request-otp", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestSQLiteBackedServer(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.Store = config.StoreConfig{Driver: "sqlite3", DSN: ":memory:"}
	})

	_, alice := s.signIn(t, "a@x.com", "Alice")
	_, again := s.signIn(t, "a@x.com", "Alicia")
	assert.Equal(t, alice.ID, again.ID)
	assert.Equal(t, "Alicia", again.Name)

	_, bob := s.signIn(t, "b@x.com", "Bob")
	assert.Equal(t, "1", alice.ID)
	assert.Equal(t, "2", bob.ID)
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	_, err := openStore(config.StoreConfig{Driver: "redis"})
	assert.Error(t, err)
}
