// Package transform converts raw RFC 822 message bytes into compact
// structured records suitable for downstream consumers: HTML is flattened
// to text, deeply nested quoting is collapsed, bodies are capped, and a
// stable thread identifier is derived from the References chain.
package transform

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"
	"golang.org/x/net/html"
	"lukechampine.com/blake3"

	"github.com/tidemail/bridge/consts"
)

// MaxBodyLength caps cleaned bodies; longer content is truncated with a
// marker so consumers can tell trimming happened.
const MaxBodyLength = 5000

const truncationMarker = "\n\n[Content truncated...]"

// Attachment describes one message attachment. ExtractedText is populated
// for plain-text attachment types and left empty otherwise.
type Attachment struct {
	Filename      string `json:"filename"`
	Size          int    `json:"size"`
	ContentType   string `json:"content_type"`
	ExtractedText string `json:"extracted_text"`
}

// Record is the structured form of a message.
type Record struct {
	Body        string       `json:"body"`
	Subject     string       `json:"subject"`
	From        string       `json:"from"`
	To          string       `json:"to"`
	Date        string       `json:"date"`
	MessageID   string       `json:"message_id"`
	ThreadID    string       `json:"thread_id"`
	Attachments []Attachment `json:"attachments"`
}

var excessNewlines = regexp.MustCompile(`\n{3,}`)

// ThreadID derives a stable 12-hex-char identifier for the conversation a
// message belongs to: the first References token names the thread root,
// falling back to the message's own Message-ID. Returns "" when neither
// header is present.
func ThreadID(references, messageID string) string {
	root := messageID
	if refs := strings.Fields(references); len(refs) > 0 {
		root = refs[0]
	}
	if root == "" {
		return ""
	}
	sum := blake3.Sum256([]byte(root))
	return hex.EncodeToString(sum[:])[:12]
}

// ToRecord parses raw message bytes and produces the cleaned record.
// Returns consts.ErrMalformedMessage (wrapped) when the bytes are not a
// parseable message.
func ToRecord(raw []byte) (*Record, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}

	rec := &Record{Attachments: []Attachment{}}
	rec.Subject, _ = mr.Header.Subject()
	rec.From = headerText(&mr.Header, "From")
	rec.To = headerText(&mr.Header, "To")
	rec.Date = mr.Header.Get("Date")
	rec.MessageID = mr.Header.Get("Message-Id")
	rec.ThreadID = ThreadID(mr.Header.Get("References"), rec.MessageID)

	var htmlBody, textBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			// One broken part does not invalidate the rest of the message.
			continue
		}
		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ctype, _, _ := h.ContentType()
			data, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch ctype {
			case "text/html":
				if htmlBody == "" {
					htmlBody = string(data)
				}
			case "text/plain":
				if textBody == "" {
					textBody = string(data)
				}
			}
		case *mail.AttachmentHeader:
			att, err := readAttachment(h, part.Body)
			if err != nil {
				continue
			}
			rec.Attachments = append(rec.Attachments, att)
		}
	}

	// HTML wins when both variants exist: the flattened HTML keeps link
	// text and structure the plain alternative usually drops.
	body := textBody
	if htmlBody != "" {
		body = html2text.HTML2Text(StripHTMLNoise(htmlBody))
	}
	rec.Body = CleanBody(body)
	return rec, nil
}

func headerText(h *mail.Header, key string) string {
	if v, err := h.Text(key); err == nil {
		return v
	}
	return h.Get(key)
}

func readAttachment(h *mail.AttachmentHeader, body io.Reader) (Attachment, error) {
	filename, err := h.Filename()
	if err != nil || filename == "" {
		filename = "unnamed"
	}
	ctype, _, _ := h.ContentType()
	data, err := io.ReadAll(body)
	if err != nil {
		return Attachment{}, err
	}
	att := Attachment{
		Filename:    filename,
		Size:        len(data),
		ContentType: ctype,
	}
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".txt"),
		strings.HasSuffix(lower, ".md"),
		strings.HasSuffix(lower, ".csv"):
		att.ExtractedText = string(data)
	case strings.HasSuffix(lower, ".pdf"):
		att.ExtractedText = "[PDF text extraction not implemented]"
	}
	return att, nil
}

// StripHTMLNoise removes the parts of an HTML body that carry no content
// for a reader: script, style and head elements, signature blocks
// (elements classed or id'd as signatures), and tracking pixels (1x1
// images or images with tracking URLs). Unparseable input is returned
// unchanged and left to the text converter.
func StripHTMLNoise(src string) string {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return src
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		var next *html.Node
		for c := n.FirstChild; c != nil; c = next {
			next = c.NextSibling
			if c.Type == html.ElementNode && isNoiseNode(c) {
				n.RemoveChild(c)
				continue
			}
			walk(c)
		}
	}
	walk(doc)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return src
	}
	return buf.String()
}

func isNoiseNode(n *html.Node) bool {
	switch n.Data {
	case "script", "style", "head":
		return true
	case "img":
		var width, height, src string
		for _, a := range n.Attr {
			switch a.Key {
			case "width":
				width = a.Val
			case "height":
				height = a.Val
			case "src":
				src = strings.ToLower(a.Val)
			}
		}
		if width == "1" && height == "1" {
			return true
		}
		for _, kw := range []string{"pixel", "track", "beacon"} {
			if strings.Contains(src, kw) {
				return true
			}
		}
		return false
	}
	for _, a := range n.Attr {
		switch a.Key {
		case "class":
			for _, cls := range strings.Fields(strings.ToLower(a.Val)) {
				if cls == "sig" || strings.Contains(cls, "signature") {
					return true
				}
			}
		case "id":
			if strings.EqualFold(a.Val, "signature") {
				return true
			}
		}
	}
	return false
}

// CleanBody normalizes a message body: quote chains three or more levels
// deep collapse to a single marker, empty quote lines disappear, runs of
// blank lines squeeze down to one, and the result is capped at
// MaxBodyLength. The function is idempotent: cleaning already-clean text
// changes nothing.
func CleanBody(body string) string {
	var cleaned []string
	collapsed := false
	for _, line := range strings.Split(body, "\n") {
		stripped := strings.TrimSpace(line)

		if strings.HasPrefix(stripped, ">>>") || strings.HasPrefix(stripped, "> > >") {
			if !collapsed {
				cleaned = append(cleaned, "[Quoted text collapsed]")
				collapsed = true
			}
			continue
		}
		collapsed = false

		switch stripped {
		case ">", ">>", "> >":
			continue
		}
		cleaned = append(cleaned, line)
	}

	out := strings.Join(cleaned, "\n")
	out = excessNewlines.ReplaceAllString(out, "\n\n")
	if len(out) > MaxBodyLength && !strings.HasSuffix(out, truncationMarker) {
		// Back up to a rune boundary so the cut never leaves invalid UTF-8.
		cut := MaxBodyLength
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut] + truncationMarker
	}
	return strings.TrimSpace(out)
}
