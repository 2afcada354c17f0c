// Package imapgw bridges the session pool to upstream IMAP servers: a
// pool.Factory that dials and authenticates clients, and a request façade
// that runs select/search/fetch cycles over pooled sessions.
package imapgw

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/tidemail/bridge/consts"
	"github.com/tidemail/bridge/helpers"
	"github.com/tidemail/bridge/pkg/circuitbreaker"
	"github.com/tidemail/bridge/pool"
)

// Session is the protocol surface a pooled IMAP handle exposes to the
// fetch handler. The handler never sees the wire client directly, which
// keeps it testable against fakes.
type Session interface {
	pool.Handle
	SelectFolder(folder string) (uint32, error)
	SearchAll() ([]uint32, error)
	FetchRaw(nums []uint32) ([][]byte, error)
}

type clientSession struct {
	client *imapclient.Client
}

func (s *clientSession) Alive() bool {
	switch s.client.State() {
	case imap.ConnStateAuthenticated, imap.ConnStateSelected:
		return true
	default:
		return false
	}
}

func (s *clientSession) Close() error {
	return s.client.Close()
}

// SelectFolder opens folder and returns its message count.
func (s *clientSession) SelectFolder(folder string) (uint32, error) {
	data, err := s.client.Select(folder, nil).Wait()
	if err != nil {
		return 0, err
	}
	return data.NumMessages, nil
}

// SearchAll returns the sequence numbers of every message in the selected
// folder, in mailbox order.
func (s *clientSession) SearchAll() ([]uint32, error) {
	data, err := s.client.Search(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, err
	}
	return data.AllSeqNums(), nil
}

// FetchRaw downloads the full RFC 822 bytes for each sequence number.
func (s *clientSession) FetchRaw(nums []uint32) ([][]byte, error) {
	if len(nums) == 0 {
		return nil, nil
	}
	var seqSet imap.SeqSet
	seqSet.AddNum(nums...)

	msgs, err := s.client.Fetch(seqSet, &imap.FetchOptions{
		BodySection: []*imap.FetchItemBodySection{{}},
	}).Collect()
	if err != nil {
		return nil, err
	}

	raw := make([][]byte, 0, len(msgs))
	for _, msg := range msgs {
		for _, buf := range msg.BodySection {
			raw = append(raw, buf.Bytes)
			break
		}
	}
	return raw, nil
}

// NewFactory builds a pool.Factory that dials an upstream IMAP server and
// authenticates with LOGIN. All dials for this factory share one circuit
// breaker so a dead upstream fails fast instead of burning the connect
// timeout on every request.
func NewFactory(breaker *circuitbreaker.CircuitBreaker) pool.Factory {
	return func(ctx context.Context, identity string, creds pool.Credentials) (pool.Handle, error) {
		result, err := breaker.Execute(func() (interface{}, error) {
			return dial(ctx, creds)
		})
		if err != nil {
			if err == circuitbreaker.ErrCircuitBreakerOpen || err == circuitbreaker.ErrTooManyRequests {
				return nil, fmt.Errorf("%w: upstream circuit open", consts.ErrConnectFailed)
			}
			return nil, err
		}
		return result.(pool.Handle), nil
	}
}

func dial(ctx context.Context, creds pool.Credentials) (pool.Handle, error) {
	addr := net.JoinHostPort(creds.Host, strconv.Itoa(creds.Port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", consts.ErrConnectFailed, addr, err)
	}
	if creds.UseTLS {
		conn = tls.Client(conn, &tls.Config{ServerName: creds.Host})
	}

	// The dial context only bounds the TCP connect. Carry its deadline
	// through the TLS handshake and LOGIN exchange too, then lift it so a
	// pooled session can sit idle.
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	client := imapclient.New(conn, nil)
	if err := client.Login(creds.Username, creds.Password).Wait(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: authenticating %s against %s: %v",
			consts.ErrConnectFailed, helpers.MaskCredentials(creds.Username+":"+creds.Password), addr, err)
	}
	conn.SetDeadline(time.Time{})
	return &clientSession{client: client}, nil
}
