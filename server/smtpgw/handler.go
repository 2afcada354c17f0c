package smtpgw

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/tidemail/bridge/consts"
	"github.com/tidemail/bridge/helpers"
	"github.com/tidemail/bridge/idgen"
	"github.com/tidemail/bridge/logger"
	"github.com/tidemail/bridge/pkg/metrics"
	"github.com/tidemail/bridge/pool"
	"github.com/tidemail/bridge/registry"
)

// Timing breaks a send down by phase, in milliseconds. Observability
// side-channel only.
type Timing struct {
	AcquireMS int64 `json:"acquire_ms"`
	SendMS    int64 `json:"send_ms"`
	TotalMS   int64 `json:"total_ms"`
}

// Handler serves outbound mail over pooled SMTP sessions.
type Handler struct {
	pool     *pool.Pool
	registry registry.Registry
}

func NewHandler(p *pool.Pool, reg registry.Registry) *Handler {
	return &Handler{pool: p, registry: reg}
}

// Send submits one message from the inbox's account. Returns the generated
// Message-ID. Delivery is at-most-once per call: a failed submission is
// reported, never retried here.
func (h *Handler) Send(ctx context.Context, inboxID string, to []string, subject, body, htmlBody string) (string, *Timing, error) {
	start := time.Now()

	mapping, err := h.registry.Get(ctx, inboxID)
	if err != nil {
		return "", nil, err
	}
	if len(to) == 0 {
		return "", nil, fmt.Errorf("%w: no recipients", consts.ErrMalformedMessage)
	}

	handle, _, err := h.pool.Acquire(ctx, mapping.Email, pool.Credentials{
		Username: mapping.Username,
		Password: mapping.Password,
		Host:     mapping.SMTPHost,
		Port:     mapping.SMTPPort,
		UseTLS:   true,
	})
	timing := &Timing{AcquireMS: time.Since(start).Milliseconds()}
	if err != nil {
		metrics.OperationsTotal.WithLabelValues("smtp", "send", "error").Inc()
		return "", nil, err
	}
	defer h.pool.Release(mapping.Email)

	session, ok := handle.(Session)
	if !ok {
		return "", nil, fmt.Errorf("%w: pooled handle is not an SMTP session", consts.ErrSessionFailed)
	}

	messageID := idgen.MessageID(domainOf(mapping.Email))
	raw, err := buildMessage(mapping.Email, to, subject, body, htmlBody, messageID)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}

	phase := time.Now()
	if err := session.SendMail(mapping.Email, to, raw); err != nil {
		metrics.OperationsTotal.WithLabelValues("smtp", "send", "error").Inc()
		return "", nil, fmt.Errorf("%w: %v", consts.ErrSessionFailed, err)
	}
	timing.SendMS = time.Since(phase).Milliseconds()
	timing.TotalMS = time.Since(start).Milliseconds()

	metrics.OperationsTotal.WithLabelValues("smtp", "send", "ok").Inc()
	metrics.OperationDuration.WithLabelValues("smtp", "send").Observe(time.Since(start).Seconds())
	logger.Infof("[SMTP] sent %s for %s to %d recipients",
		messageID, helpers.HashIdentity(mapping.Email), len(to))
	return messageID, timing, nil
}

// Stats exposes the underlying pool's occupancy for the health endpoint.
func (h *Handler) Stats() pool.PoolStats {
	return h.pool.Stats()
}

func domainOf(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 {
		return email[i+1:]
	}
	return "localhost"
}

// buildMessage assembles the RFC 822 bytes: plain text only, or a
// multipart/alternative pair when an HTML body is provided.
func buildMessage(from string, to []string, subject, body, htmlBody, messageID string) ([]byte, error) {
	var buf bytes.Buffer

	var header mail.Header
	header.SetDate(time.Now())
	header.SetAddressList("From", []*mail.Address{{Address: from}})
	toAddrs := make([]*mail.Address, len(to))
	for i, addr := range to {
		toAddrs[i] = &mail.Address{Address: addr}
	}
	header.SetAddressList("To", toAddrs)
	header.SetSubject(subject)
	header.Set("Message-Id", messageID)

	if htmlBody == "" {
		header.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, header)
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(w, body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	mw, err := mail.CreateWriter(&buf, header)
	if err != nil {
		return nil, err
	}
	iw, err := mw.CreateInline()
	if err != nil {
		return nil, err
	}

	var textHeader mail.InlineHeader
	textHeader.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	pw, err := iw.CreatePart(textHeader)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(pw, body); err != nil {
		return nil, err
	}
	pw.Close()

	var htmlHeader mail.InlineHeader
	htmlHeader.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	pw, err = iw.CreatePart(htmlHeader)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(pw, htmlBody); err != nil {
		return nil, err
	}
	pw.Close()

	iw.Close()
	mw.Close()
	return buf.Bytes(), nil
}
