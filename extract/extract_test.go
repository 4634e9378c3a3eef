package extract

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/dhcgn/mail-to-telegram/model"
)

func testExtractor() *Extractor {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

const reportMessage = `From: Reports <Reports@Example.com>
To: sr01@example.com
Subject: =?UTF-8?B?0J7RgtGH0LXRgg==?= =?UTF-8?Q?daily?=
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="outer"

--outer
Content-Type: multipart/alternative; boundary="inner"

--inner
Content-Type: text/plain; charset=utf-8

see attached
--inner
Content-Type: text/html; charset=utf-8

<p>see attached</p>
--inner--
--outer
Content-Disposition: attachment; filename="report.PDF"

%PDF-1.4 fake
--outer
Content-Type: image/png
Content-Disposition: attachment
Content-Transfer-Encoding: base64

iVBORw0KGgo=
--outer
Content-Type: image/gif
Content-Disposition: attachment; filename="image.gif"

GIF89a
--outer--
`

func TestExtract_ClassifiesAndRenames(t *testing.T) {
	res, err := testExtractor().Extract(model.RawMessage{UID: 42, Body: crlf(reportMessage)})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	if res.Subject != "Отчет daily" {
		t.Errorf("Subject = %q, want %q", res.Subject, "Отчет daily")
	}
	if res.From != "reports@example.com" {
		t.Errorf("From = %q", res.From)
	}
	if len(res.Attachments) != 2 {
		t.Fatalf("got %d attachments, want 2: %+v", len(res.Attachments), res.Attachments)
	}

	pdf := res.Attachments[0]
	if pdf.Kind != model.KindDocument || pdf.Filename != "report.PDF" {
		t.Errorf("first attachment = %s/%s, want document/report.PDF", pdf.Kind, pdf.Filename)
	}
	if string(pdf.Data) != "%PDF-1.4 fake" {
		t.Errorf("pdf payload = %q", pdf.Data)
	}

	png := res.Attachments[1]
	if png.Kind != model.KindImage || png.Filename != "attachment_42_2.png" {
		t.Errorf("second attachment = %s/%s, want image/attachment_42_2.png", png.Kind, png.Filename)
	}
	if want := "\x89PNG\r\n\x1a\n"; string(png.Data) != want {
		t.Errorf("png payload = %q, want %q", png.Data, want)
	}
}

func TestExtract_NoAttachments(t *testing.T) {
	raw := crlf("From: a@example.com\nSubject: hello\nContent-Type: text/plain\n\njust text\n")
	res, err := testExtractor().Extract(model.RawMessage{UID: 1, Body: raw})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if res.Attachments == nil || len(res.Attachments) != 0 {
		t.Fatalf("Attachments = %#v, want empty non-nil slice", res.Attachments)
	}
	if res.Subject != "hello" {
		t.Errorf("Subject = %q", res.Subject)
	}
}

func TestExtract_SinglePartAttachment(t *testing.T) {
	raw := crlf("From: a@example.com\nSubject: scan\nContent-Type: application/pdf; name=\"scan\"\nContent-Disposition: inline\n\n%PDF-1.7\n")
	res, err := testExtractor().Extract(model.RawMessage{UID: 7, Body: raw})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(res.Attachments) != 1 {
		t.Fatalf("got %d attachments, want 1", len(res.Attachments))
	}
	if got := res.Attachments[0].Filename; got != "scan.pdf" {
		t.Errorf("Filename = %q, want scan.pdf", got)
	}
}

func TestExtract_MalformedHeader(t *testing.T) {
	_, err := testExtractor().Extract(model.RawMessage{UID: 9, Body: []byte("this is not a header\r\n\r\nbody")})
	var xerr *model.ExtractionError
	if !errors.As(err, &xerr) {
		t.Fatalf("Extract() error = %v, want *model.ExtractionError", err)
	}
	if xerr.UID != 9 {
		t.Errorf("ExtractionError.UID = %d, want 9", xerr.UID)
	}
}

func TestDecodeSubject(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain", "Daily report", "Daily report"},
		{"encoded words joined by space", "=?UTF-8?B?0J7RgtGH0LXRgg==?= =?UTF-8?Q?daily?=", "Отчет daily"},
		{"single encoded", "=?UTF-8?B?0J7RgtGH0LXRgiDQt9CwINC80LDQuQ==?=", "Отчет за май"},
		{"mixed", "Re: =?UTF-8?Q?caf=C3=A9?= menu", "Re: café menu"},
		{"folded", "Daily\r\n report", "Daily report"},
		{"empty", "", ""},
		{"broken word kept", "=?x-unknown?Q?abc?=", "=?x-unknown?Q?abc?="},
	}
	x := testExtractor()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := x.DecodeSubject(tt.raw); got != tt.want {
				t.Errorf("DecodeSubject(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}
