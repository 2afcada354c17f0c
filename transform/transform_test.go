package transform

import (
	"strings"
	"testing"
	"unicode/utf8"
)

const plainMessage = "From: Alice <alice@example.com>\r\n" +
	"To: Bob <bob@example.com>\r\n" +
	"Subject: Lunch plans\r\n" +
	"Date: Mon, 12 Jan 2026 10:00:00 +0000\r\n" +
	"Message-Id: <m1@example.com>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Shall we meet at noon?\r\n"

func TestToRecord_PlainText(t *testing.T) {
	rec, err := ToRecord([]byte(plainMessage))
	if err != nil {
		t.Fatalf("ToRecord failed: %v", err)
	}
	if rec.Subject != "Lunch plans" {
		t.Errorf("subject = %q", rec.Subject)
	}
	if !strings.Contains(rec.From, "alice@example.com") {
		t.Errorf("from = %q", rec.From)
	}
	if rec.Body != "Shall we meet at noon?" {
		t.Errorf("body = %q", rec.Body)
	}
	if rec.MessageID != "<m1@example.com>" {
		t.Errorf("message id = %q", rec.MessageID)
	}
	if len(rec.ThreadID) != 12 {
		t.Errorf("thread id = %q, want 12 hex chars", rec.ThreadID)
	}
}

func TestToRecord_PrefersHTML(t *testing.T) {
	msg := "From: a@example.com\r\n" +
		"To: b@example.com\r\n" +
		"Subject: multipart\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/alternative; boundary=XYZ\r\n" +
		"\r\n" +
		"--XYZ\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"plain variant\r\n" +
		"--XYZ\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<html><body><p>rich <b>variant</b></p></body></html>\r\n" +
		"--XYZ--\r\n"

	rec, err := ToRecord([]byte(msg))
	if err != nil {
		t.Fatalf("ToRecord failed: %v", err)
	}
	if !strings.Contains(rec.Body, "rich") || !strings.Contains(rec.Body, "variant") {
		t.Errorf("expected flattened HTML body, got %q", rec.Body)
	}
	if strings.Contains(rec.Body, "plain variant") {
		t.Errorf("plain alternative should lose to HTML, got %q", rec.Body)
	}
	if strings.Contains(rec.Body, "<") {
		t.Errorf("body still contains markup: %q", rec.Body)
	}
}

func TestToRecord_StripsSignatureAndScript(t *testing.T) {
	msg := "From: a@example.com\r\n" +
		"To: b@example.com\r\n" +
		"Subject: signed\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<html><head><title>ignore</title></head><body>" +
		"<p>the actual content</p>" +
		"<script>alert('nope')</script>" +
		"<style>p { color: red }</style>" +
		"<div class=\"email-signature\">Sent from my corporate footer</div>" +
		"<div class=\"sig\">Regards, Bob</div>" +
		"<div id=\"signature\">legal disclaimer</div>" +
		"</body></html>\r\n"

	rec, err := ToRecord([]byte(msg))
	if err != nil {
		t.Fatalf("ToRecord failed: %v", err)
	}
	if !strings.Contains(rec.Body, "the actual content") {
		t.Errorf("content lost: %q", rec.Body)
	}
	for _, noise := range []string{"corporate footer", "Regards, Bob", "legal disclaimer", "alert", "color: red"} {
		if strings.Contains(rec.Body, noise) {
			t.Errorf("noise %q survived into body: %q", noise, rec.Body)
		}
	}
}

func TestStripHTMLNoise_TrackingPixels(t *testing.T) {
	src := `<html><body><p>hi</p>` +
		`<img src="https://cdn.example.com/logo.png" width="200" height="50">` +
		`<img src="https://mail.example.com/open.gif" width="1" height="1">` +
		`<img src="https://t.example.com/pixel?id=42">` +
		`<img src="https://x.example.com/beacon.gif">` +
		`</body></html>`
	got := StripHTMLNoise(src)
	if !strings.Contains(got, "logo.png") {
		t.Errorf("legitimate image removed: %q", got)
	}
	for _, tracker := range []string{"open.gif", "pixel?id=42", "beacon.gif"} {
		if strings.Contains(got, tracker) {
			t.Errorf("tracker %q survived: %q", tracker, got)
		}
	}
}

func TestStripHTMLNoise_PlainTextPassthrough(t *testing.T) {
	// The HTML parser accepts nearly anything; what matters is that
	// non-markup content comes through intact.
	got := StripHTMLNoise("<html><body>just words</body></html>")
	if !strings.Contains(got, "just words") {
		t.Errorf("content lost: %q", got)
	}
}

func TestToRecord_Attachments(t *testing.T) {
	msg := "From: a@example.com\r\n" +
		"To: b@example.com\r\n" +
		"Subject: report\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=XYZ\r\n" +
		"\r\n" +
		"--XYZ\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"see attached\r\n" +
		"--XYZ\r\n" +
		"Content-Type: text/csv\r\n" +
		"Content-Disposition: attachment; filename=\"data.csv\"\r\n" +
		"\r\n" +
		"a,b,c\r\n" +
		"--XYZ--\r\n"

	rec, err := ToRecord([]byte(msg))
	if err != nil {
		t.Fatalf("ToRecord failed: %v", err)
	}
	if len(rec.Attachments) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(rec.Attachments))
	}
	att := rec.Attachments[0]
	if att.Filename != "data.csv" {
		t.Errorf("filename = %q", att.Filename)
	}
	if att.ContentType != "text/csv" {
		t.Errorf("content type = %q", att.ContentType)
	}
	if !strings.Contains(att.ExtractedText, "a,b,c") {
		t.Errorf("extracted text = %q", att.ExtractedText)
	}
	if att.Size == 0 {
		t.Error("expected non-zero size")
	}
}

func TestToRecord_Malformed(t *testing.T) {
	if _, err := ToRecord([]byte("not a message at all")); err == nil {
		t.Error("expected error for malformed input")
	}
}

func TestCleanBody_CollapsesDeepQuotes(t *testing.T) {
	body := "reply text\n>>> old line one\n>>> old line two\n> > > older still\nmore reply"
	got := CleanBody(body)
	if strings.Count(got, "[Quoted text collapsed]") != 1 {
		t.Errorf("expected a single collapse marker, got %q", got)
	}
	if strings.Contains(got, "old line") {
		t.Errorf("deep quotes survived: %q", got)
	}
	if !strings.Contains(got, "reply text") || !strings.Contains(got, "more reply") {
		t.Errorf("own content lost: %q", got)
	}
}

func TestCleanBody_SeparateQuoteRunsEachGetMarker(t *testing.T) {
	body := ">>> first run\nmiddle\n>>> second run"
	got := CleanBody(body)
	if strings.Count(got, "[Quoted text collapsed]") != 2 {
		t.Errorf("expected one marker per quote run, got %q", got)
	}
}

func TestCleanBody_DropsEmptyQuoteLines(t *testing.T) {
	body := "hello\n>\n>>\n> >\n> kept quote\nworld"
	got := CleanBody(body)
	if strings.Contains(got, ">\n") && !strings.Contains(got, "> kept quote") {
		t.Errorf("unexpected cleaning result: %q", got)
	}
	if !strings.Contains(got, "> kept quote") {
		t.Errorf("single-level quoted content must survive: %q", got)
	}
}

func TestCleanBody_SqueezesBlankLines(t *testing.T) {
	got := CleanBody("a\n\n\n\n\nb")
	if got != "a\n\nb" {
		t.Errorf("got %q", got)
	}
}

func TestCleanBody_Truncates(t *testing.T) {
	long := strings.Repeat("x", MaxBodyLength+500)
	got := CleanBody(long)
	if !strings.HasSuffix(got, "[Content truncated...]") {
		t.Error("expected truncation marker")
	}
	if len(got) > MaxBodyLength+len(truncationMarker) {
		t.Errorf("body too long after truncation: %d", len(got))
	}
}

func TestCleanBody_TruncatesOnRuneBoundary(t *testing.T) {
	// Three-byte runes placed so the cap falls mid-rune.
	long := strings.Repeat("€", MaxBodyLength)
	got := CleanBody(long)
	if !strings.HasSuffix(got, "[Content truncated...]") {
		t.Error("expected truncation marker")
	}
	if !utf8.ValidString(got) {
		t.Error("truncation split a rune and produced invalid UTF-8")
	}
}

func TestCleanBody_Idempotent(t *testing.T) {
	inputs := []string{
		"a\n\n\n\nb\n>>> quoted\n>>> more quoted\nend",
		strings.Repeat("y", MaxBodyLength+100),
		"plain short body",
	}
	for _, in := range inputs {
		once := CleanBody(in)
		twice := CleanBody(once)
		if once != twice {
			t.Errorf("cleaning is not idempotent:\nonce:  %q\ntwice: %q", once, twice)
		}
	}
}

func TestThreadID(t *testing.T) {
	refs := "<root@example.com> <mid@example.com>"
	fromRefs := ThreadID(refs, "<leaf@example.com>")
	fromRoot := ThreadID("<root@example.com>", "")
	if fromRefs != fromRoot {
		t.Error("thread id must derive from the first References token")
	}
	if len(fromRefs) != 12 {
		t.Errorf("thread id %q, want 12 hex chars", fromRefs)
	}

	fromMsgID := ThreadID("", "<solo@example.com>")
	if len(fromMsgID) != 12 {
		t.Errorf("fallback thread id %q, want 12 hex chars", fromMsgID)
	}
	if fromMsgID == fromRefs {
		t.Error("different roots must yield different thread ids")
	}

	if got := ThreadID("", ""); got != "" {
		t.Errorf("expected empty thread id without identifying headers, got %q", got)
	}
}
