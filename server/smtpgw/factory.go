// Package smtpgw bridges the session pool to upstream SMTP submission
// servers: a pool.Factory dialing authenticated clients and a send façade
// that builds outbound messages over pooled sessions.
package smtpgw

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/tidemail/bridge/consts"
	"github.com/tidemail/bridge/helpers"
	"github.com/tidemail/bridge/pkg/circuitbreaker"
	"github.com/tidemail/bridge/pool"
)

// Session is the protocol surface a pooled SMTP handle exposes to the send
// handler.
type Session interface {
	pool.Handle
	SendMail(from string, to []string, msg []byte) error
}

type clientSession struct {
	client *smtp.Client
}

// Alive probes the connection with NOOP. SMTP servers drop idle
// submissions aggressively, so the probe is a round-trip rather than a
// local state check.
func (s *clientSession) Alive() bool {
	return s.client.Noop() == nil
}

func (s *clientSession) Close() error {
	return s.client.Close()
}

// SendMail runs one MAIL/RCPT/DATA cycle. The connection stays open for
// the next send; there is deliberately no QUIT.
func (s *clientSession) SendMail(from string, to []string, msg []byte) error {
	if err := s.client.Mail(from, nil); err != nil {
		return fmt.Errorf("setting sender: %w", err)
	}
	for _, rcpt := range to {
		if err := s.client.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("setting recipient %s: %w", rcpt, err)
		}
	}
	wc, err := s.client.Data()
	if err != nil {
		return fmt.Errorf("starting data: %w", err)
	}
	if _, err := wc.Write(msg); err != nil {
		_ = wc.Close()
		return fmt.Errorf("writing message: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("closing data: %w", err)
	}
	return nil
}

// NewFactory builds a pool.Factory for authenticated SMTP submission
// sessions. Port 465 gets implicit TLS, everything else STARTTLS, plain
// only when the credentials explicitly opt out of TLS.
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
	tlsConfig := &tls.Config{
		ServerName:    creds.Host,
		MinVersion:    tls.VersionTLS12,
		Renegotiation: tls.RenegotiateNever,
	}

	// Dial and authenticate inside one goroutine so the caller's context
	// bounds the whole exchange, not just the TCP connect.
	type dialResult struct {
		client *smtp.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		var c *smtp.Client
		var err error
		switch {
		case creds.Port == 465:
			c, err = smtp.DialTLS(addr, tlsConfig)
		case creds.UseTLS:
			c, err = smtp.DialStartTLS(addr, tlsConfig)
		default:
			c, err = smtp.Dial(addr)
		}
		if err != nil {
			ch <- dialResult{err: fmt.Errorf("%w: dialing %s: %v", consts.ErrConnectFailed, addr, err)}
			return
		}
		if err := c.Auth(sasl.NewPlainClient("", creds.Username, creds.Password)); err != nil {
			c.Close()
			ch <- dialResult{err: fmt.Errorf("%w: authenticating %s against %s: %v",
				consts.ErrConnectFailed, helpers.MaskCredentials(creds.Username+":"+creds.Password), addr, err)}
			return
		}
		ch <- dialResult{client: c}
	}()

	select {
	case <-ctx.Done():
		// The dial goroutine will close any late connection itself.
		go func() {
			if r := <-ch; r.client != nil {
				r.client.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return &clientSession{client: r.client}, nil
	}
}
