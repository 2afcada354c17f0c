package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/tidemail/bridge/consts"
	"github.com/tidemail/bridge/pool"
	"github.com/tidemail/bridge/registry"
	"github.com/tidemail/bridge/server/imapgw"
	"github.com/tidemail/bridge/server/smtpgw"
	"github.com/tidemail/bridge/sessionstore"
)

const testAPIKey = "test-api-key"

type fakeIMAPSession struct {
	messages [][]byte
}

func (s *fakeIMAPSession) Alive() bool  { return true }
func (s *fakeIMAPSession) Close() error { return nil }
func (s *fakeIMAPSession) SelectFolder(string) (uint32, error) {
	return uint32(len(s.messages)), nil
}
func (s *fakeIMAPSession) SearchAll() ([]uint32, error) {
	nums := make([]uint32, len(s.messages))
	for i := range s.messages {
		nums[i] = uint32(i + 1)
	}
	return nums, nil
}
func (s *fakeIMAPSession) FetchRaw(nums []uint32) ([][]byte, error) {
	out := make([][]byte, 0, len(nums))
	for _, n := range nums {
		out = append(out, s.messages[n-1])
	}
	return out, nil
}

type fakeSMTPSession struct {
	sent [][]byte
}

func (s *fakeSMTPSession) Alive() bool  { return true }
func (s *fakeSMTPSession) Close() error { return nil }
func (s *fakeSMTPSession) SendMail(_ string, _ []string, msg []byte) error {
	s.sent = append(s.sent, msg)
	return nil
}

type testEnv struct {
	router *mux.Router
	store  *sessionstore.MemoryStore
	reg    registry.Registry
	smtp   *fakeSMTPSession
}

func rawMessage(i int) []byte {
	return []byte(fmt.Sprintf(
		"From: sender@example.com\r\nTo: user@example.com\r\nSubject: msg %d\r\n"+
			"Message-Id: <m%d@example.com>\r\nContent-Type: text/plain\r\n\r\nbody %d\r\n",
		i, i, i))
}

func newTestEnv(t *testing.T, imapFactoryErr error) *testEnv {
	t.Helper()

	store := sessionstore.NewMemoryStore()
	reg := registry.NewMemoryRegistry(nil)
	err := reg.Create(context.Background(), &registry.Mapping{
		InboxID:  "inbox1",
		Email:    "user@example.com",
		IMAPHost: "imap.example.com",
		IMAPPort: 993,
		SMTPHost: "smtp.example.com",
		SMTPPort: 587,
		Username: "user@example.com",
		Password: "pw",
		Status:   "active",
	})
	if err != nil {
		t.Fatalf("seeding registry: %v", err)
	}

	imapSession := &fakeIMAPSession{messages: [][]byte{rawMessage(1), rawMessage(2)}}
	imapFactory := func(context.Context, string, pool.Credentials) (pool.Handle, error) {
		if imapFactoryErr != nil {
			return nil, imapFactoryErr
		}
		return imapSession, nil
	}
	smtpSession := &fakeSMTPSession{}
	smtpFactory := func(context.Context, string, pool.Credentials) (pool.Handle, error) {
		return smtpSession, nil
	}

	imapPool := pool.New(imapFactory, store, pool.Options{Protocol: "imap", Capacity: 4, SessionTTL: time.Minute})
	smtpPool := pool.New(smtpFactory, store, pool.Options{Protocol: "smtp", Capacity: 4, SessionTTL: time.Minute})
	t.Cleanup(imapPool.CloseAll)
	t.Cleanup(smtpPool.CloseAll)

	srv, err := New(ServerOptions{
		Addr:     ":0",
		APIKey:   testAPIKey,
		Registry: reg,
		Store:    store,
		IMAP:     imapgw.NewHandler(imapPool, reg),
		SMTP:     smtpgw.NewHandler(smtpPool, reg),
		IMAPPool: imapPool,
		SMTPPool: smtpPool,
	})
	if err != nil {
		t.Fatalf("creating server: %v", err)
	}
	return &testEnv{router: srv.setupRoutes(), store: store, reg: reg, smtp: smtpSession}
}

func (e *testEnv) do(method, path string, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	r.Header.Set("Authorization", "Bearer "+testAPIKey)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, r)
	return w
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, nil)

	r := httptest.NewRequest("GET", "/v1/inboxes/inbox1/messages", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing auth: status %d, want 401", w.Code)
	}

	r = httptest.NewRequest("GET", "/v1/inboxes/inbox1/messages", nil)
	r.Header.Set("Authorization", "Bearer wrong-key")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, r)
	if w.Code != http.StatusForbidden {
		t.Errorf("bad key: status %d, want 403", w.Code)
	}
}

func TestHealthUnauthenticated(t *testing.T) {
	env := newTestEnv(t, nil)

	r := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("health status %d, want 200", w.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding health response: %v", err)
	}
	if resp.Status != "ok" || !resp.StoreConnected {
		t.Errorf("unexpected health: %+v", resp)
	}
}

func TestListMessages(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do("GET", "/v1/inboxes/inbox1/messages?timing=true", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var resp ListMessagesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Count != 2 || len(resp.Data) != 2 {
		t.Errorf("count = %d, data = %d", resp.Count, len(resp.Data))
	}
	if resp.Source != "legacy" {
		t.Errorf("source = %q", resp.Source)
	}
	if resp.Timing == nil {
		t.Error("expected timing with ?timing=true")
	}

	w = env.do("GET", "/v1/inboxes/inbox1/messages", "")
	resp = ListMessagesResponse{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Timing != nil {
		t.Error("timing must be omitted without ?timing=true")
	}
}

func TestListMessages_UnknownInbox(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do("GET", "/v1/inboxes/nope/messages", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status %d, want 404", w.Code)
	}
}

func TestListMessages_BadLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do("GET", "/v1/inboxes/inbox1/messages?limit=abc", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", w.Code)
	}
}

func TestListMessages_UpstreamDown(t *testing.T) {
	env := newTestEnv(t, consts.ErrConnectFailed)
	w := env.do("GET", "/v1/inboxes/inbox1/messages", "")
	if w.Code != http.StatusBadGateway {
		t.Errorf("status %d, want 502", w.Code)
	}
	if strings.Contains(w.Body.String(), "imap.example.com") {
		t.Error("error body must not leak upstream details")
	}
}

func TestSendMessage(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do("POST", "/v1/inboxes/inbox1/messages",
		`{"to": ["r@example.com"], "subject": "hi", "body": "hello"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var resp SendMessageResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != "sent" || resp.MessageID == "" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if len(env.smtp.sent) != 1 {
		t.Errorf("expected 1 submission, got %d", len(env.smtp.sent))
	}
}

func TestSendMessage_SingleRecipientString(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do("POST", "/v1/inboxes/inbox1/messages",
		`{"to": "solo@example.com", "subject": "hi", "body": "hello"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
}

func TestSendMessage_NoRecipients(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do("POST", "/v1/inboxes/inbox1/messages", `{"subject": "hi", "body": "hello"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", w.Code)
	}
}

func TestInboxLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do("POST", "/v1/inboxes",
		`{"email": "new@example.com", "password": "pw", "imap_host": "imap.example.com", "smtp_host": "smtp.example.com"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status %d: %s", w.Code, w.Body.String())
	}
	var created registry.Mapping
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decoding created mapping: %v", err)
	}
	if created.InboxID == "" {
		t.Fatal("expected generated inbox id")
	}
	if created.IMAPPort != 993 || created.SMTPPort != 587 {
		t.Errorf("expected default ports, got %d/%d", created.IMAPPort, created.SMTPPort)
	}
	if strings.Contains(w.Body.String(), `"pw"`) {
		t.Error("password must not appear in responses")
	}

	w = env.do("GET", "/v1/inboxes/"+created.InboxID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status %d", w.Code)
	}

	w = env.do("DELETE", "/v1/inboxes/"+created.InboxID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete status %d", w.Code)
	}
	w = env.do("GET", "/v1/inboxes/"+created.InboxID, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete status %d, want 404", w.Code)
	}
	w = env.do("DELETE", "/v1/inboxes/"+created.InboxID, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("double delete status %d, want 404", w.Code)
	}
}

func TestCreateInbox_Validation(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do("POST", "/v1/inboxes", `{"email": "x@example.com"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing password: status %d, want 400", w.Code)
	}
	w = env.do("POST", "/v1/inboxes", `{"email": "x@example.com", "password": "pw"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing hosts: status %d, want 400", w.Code)
	}
}

func TestDeleteInbox_RemovesSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	// Warm a session so a durable record exists.
	if w := env.do("GET", "/v1/inboxes/inbox1/messages", ""); w.Code != http.StatusOK {
		t.Fatalf("warmup fetch failed: %d", w.Code)
	}
	if meta, _ := env.store.Get(ctx, "user@example.com"); meta == nil {
		t.Fatal("expected durable record after fetch")
	}

	if w := env.do("DELETE", "/v1/inboxes/inbox1", ""); w.Code != http.StatusOK {
		t.Fatalf("delete status %d", w.Code)
	}
	if meta, _ := env.store.Get(ctx, "user@example.com"); meta != nil {
		t.Error("expected durable record removed with the inbox")
	}
}
