package imapgw

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidemail/bridge/consts"
	"github.com/tidemail/bridge/pool"
	"github.com/tidemail/bridge/registry"
	"github.com/tidemail/bridge/sessionstore"
)

type fakeSession struct {
	alive      atomic.Bool
	selects    atomic.Int32
	searches   atomic.Int32
	fetches    atomic.Int32
	messages   [][]byte
	selectErr  error
	lastFolder string
}

func newFakeSession(messages [][]byte) *fakeSession {
	s := &fakeSession{messages: messages}
	s.alive.Store(true)
	return s
}

func (s *fakeSession) Alive() bool  { return s.alive.Load() }
func (s *fakeSession) Close() error { s.alive.Store(false); return nil }

func (s *fakeSession) SelectFolder(folder string) (uint32, error) {
	s.selects.Add(1)
	s.lastFolder = folder
	if s.selectErr != nil {
		return 0, s.selectErr
	}
	return uint32(len(s.messages)), nil
}

func (s *fakeSession) SearchAll() ([]uint32, error) {
	s.searches.Add(1)
	nums := make([]uint32, len(s.messages))
	for i := range s.messages {
		nums[i] = uint32(i + 1)
	}
	return nums, nil
}

func (s *fakeSession) FetchRaw(nums []uint32) ([][]byte, error) {
	s.fetches.Add(1)
	out := make([][]byte, 0, len(nums))
	for _, n := range nums {
		out = append(out, s.messages[n-1])
	}
	return out, nil
}

func rawMessage(i int) []byte {
	return []byte(fmt.Sprintf(
		"From: sender@example.com\r\nTo: user@example.com\r\nSubject: msg %d\r\n"+
			"Message-Id: <m%d@example.com>\r\nContent-Type: text/plain\r\n\r\nbody %d\r\n",
		i, i, i))
}

func testRegistry(t *testing.T) registry.Registry {
	t.Helper()
	reg := registry.NewMemoryRegistry(nil)
	err := reg.Create(context.Background(), &registry.Mapping{
		InboxID:  "inbox1",
		Email:    "user@example.com",
		IMAPHost: "imap.example.com",
		IMAPPort: 143,
		Username: "user@example.com",
		Password: "pw",
		Status:   "active",
	})
	if err != nil {
		t.Fatalf("seeding registry: %v", err)
	}
	return reg
}

func newTestHandler(t *testing.T, session *fakeSession) (*Handler, *atomic.Int32) {
	t.Helper()
	var dials atomic.Int32
	factory := func(_ context.Context, _ string, _ pool.Credentials) (pool.Handle, error) {
		dials.Add(1)
		return session, nil
	}
	p := pool.New(factory, sessionstore.NewMemoryStore(), pool.Options{
		Protocol:   "imap",
		Capacity:   4,
		SessionTTL: time.Minute,
	})
	t.Cleanup(p.CloseAll)
	return NewHandler(p, testRegistry(t)), &dials
}

func TestFetchMessages(t *testing.T) {
	session := newFakeSession([][]byte{rawMessage(1), rawMessage(2), rawMessage(3)})
	h, _ := newTestHandler(t, session)

	records, timing, err := h.FetchMessages(context.Background(), "inbox1", "", 10)
	if err != nil {
		t.Fatalf("FetchMessages failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].Subject != "msg 1" || records[0].Body != "body 1" {
		t.Errorf("unexpected first record: %+v", records[0])
	}
	if session.lastFolder != consts.DefaultFolder {
		t.Errorf("expected default folder, selected %q", session.lastFolder)
	}
	if timing == nil || timing.TotalMS < 0 {
		t.Error("expected timing side-channel")
	}
}

func TestFetchMessages_LimitTakesNewest(t *testing.T) {
	msgs := make([][]byte, 5)
	for i := range msgs {
		msgs[i] = rawMessage(i + 1)
	}
	session := newFakeSession(msgs)
	h, _ := newTestHandler(t, session)

	records, _, err := h.FetchMessages(context.Background(), "inbox1", "INBOX", 2)
	if err != nil {
		t.Fatalf("FetchMessages failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	// The limit keeps the highest sequence numbers, i.e. the newest mail.
	if records[0].Subject != "msg 4" || records[1].Subject != "msg 5" {
		t.Errorf("expected newest messages, got %q and %q", records[0].Subject, records[1].Subject)
	}
}

func TestFetchMessages_SessionReuse(t *testing.T) {
	session := newFakeSession([][]byte{rawMessage(1)})
	h, dials := newTestHandler(t, session)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, _, err := h.FetchMessages(ctx, "inbox1", "INBOX", 10); err != nil {
			t.Fatalf("fetch %d failed: %v", i+1, err)
		}
	}

	// One authenticated session carries both select/search/fetch cycles.
	if got := dials.Load(); got != 1 {
		t.Errorf("expected 1 dial across sequential fetches, got %d", got)
	}
	if got := session.selects.Load(); got != 2 {
		t.Errorf("expected 2 select cycles, got %d", got)
	}
	if got := session.searches.Load(); got != 2 {
		t.Errorf("expected 2 search cycles, got %d", got)
	}
	if got := session.fetches.Load(); got != 2 {
		t.Errorf("expected 2 fetch cycles, got %d", got)
	}
}

func TestFetchMessages_UnknownInbox(t *testing.T) {
	session := newFakeSession(nil)
	h, _ := newTestHandler(t, session)

	_, _, err := h.FetchMessages(context.Background(), "missing", "INBOX", 10)
	if !errors.Is(err, consts.ErrInboxNotFound) {
		t.Errorf("expected ErrInboxNotFound, got %v", err)
	}
}

func TestFetchMessages_ProtocolFailure(t *testing.T) {
	session := newFakeSession(nil)
	session.selectErr = errors.New("mailbox does not exist")
	h, _ := newTestHandler(t, session)

	_, _, err := h.FetchMessages(context.Background(), "inbox1", "Nope", 10)
	if !errors.Is(err, consts.ErrSessionFailed) {
		t.Errorf("expected ErrSessionFailed, got %v", err)
	}
}

func TestFetchMessages_SkipsUnparseable(t *testing.T) {
	session := newFakeSession([][]byte{rawMessage(1), []byte("garbage without headers")})
	h, _ := newTestHandler(t, session)

	records, _, err := h.FetchMessages(context.Background(), "inbox1", "INBOX", 10)
	if err != nil {
		t.Fatalf("FetchMessages failed: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("expected the parseable message only, got %d records", len(records))
	}
}
