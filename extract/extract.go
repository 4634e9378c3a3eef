// Package extract turns a fetched message into its decoded subject and the
// attachments that are allowed to be relayed.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/mail-to-telegram/model"
)

// Result is the outcome of extracting one message.
type Result struct {
	Subject     string
	From        string
	Attachments []model.Attachment
}

type Extractor struct {
	logger *slog.Logger
	words  *mime.WordDecoder
}

func New(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		logger: logger,
		words:  &mime.WordDecoder{CharsetReader: charset.Reader},
	}
}

// Extract parses raw and returns the allow-listed attachments in tree order.
// A message without qualifying parts yields an empty slice and no error; only a
// structurally broken message returns an *model.ExtractionError.
func (x *Extractor) Extract(raw model.RawMessage) (Result, error) {
	logger := x.logger.With("uid", raw.UID)

	mr, err := mail.CreateReader(bytes.NewReader(raw.Body))
	if err != nil {
		if mr == nil || !isEncodingProblem(err) {
			return Result{}, &model.ExtractionError{UID: raw.UID, Err: err}
		}
		logger.Warn("message header uses unknown encoding", "err", err)
	}
	defer mr.Close()

	res := Result{
		Subject:     x.DecodeSubject(mr.Header.Get("Subject")),
		From:        firstAddress(mr.Header),
		Attachments: []model.Attachment{},
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if !isEncodingProblem(err) {
				return Result{}, &model.ExtractionError{UID: raw.UID, Err: fmt.Errorf("read part: %w", err)}
			}
			logger.Warn("part uses unknown encoding", "err", err)
			if part == nil {
				continue
			}
		}

		att, ok := x.attachment(logger, raw.UID, part, len(res.Attachments)+1)
		if ok {
			res.Attachments = append(res.Attachments, att)
		}
	}

	logger.Debug("extracted attachments", "subject", res.Subject, "count", len(res.Attachments))
	return res, nil
}

func (x *Extractor) attachment(logger *slog.Logger, uid uint32, part *mail.Part, n int) (model.Attachment, bool) {
	h := partHeader(part.Header)

	disposition, dispParams, _ := h.ContentDisposition()
	contentType, typeParams, _ := h.ContentType()

	filename := dispParams["filename"]
	if filename == "" {
		filename = typeParams["name"]
	}
	if strings.Contains(filename, "=?") {
		if decoded, err := x.words.DecodeHeader(filename); err == nil {
			filename = decoded
		}
	}
	filename = cleanFilename(filename)

	if !strings.EqualFold(disposition, "attachment") && filename == "" {
		return model.Attachment{}, false
	}

	kind, ok := Classify(filename, contentType)
	if !ok {
		logger.Warn("dropping attachment with unsupported type", "filename", filename, "contentType", contentType)
		return model.Attachment{}, false
	}

	data, err := io.ReadAll(part.Body)
	if err != nil {
		logger.Warn("dropping unreadable attachment", "filename", filename, "err", err)
		return model.Attachment{}, false
	}
	if len(data) == 0 {
		logger.Warn("dropping empty attachment", "filename", filename)
		return model.Attachment{}, false
	}

	name := Rename(filename, kind, uid, n)
	logger.Info("found attachment", "filename", name, "kind", kind, "bytes", len(data))
	return model.Attachment{Filename: name, Data: data, Kind: kind}, true
}

// DecodeSubject decodes RFC 2047 encoded words one by one and joins the
// pieces with single spaces.
func (x *Extractor) DecodeSubject(raw string) string {
	words := strings.Fields(raw)
	for i, w := range words {
		if !strings.Contains(w, "=?") {
			continue
		}
		decoded, err := x.words.DecodeHeader(w)
		if err != nil {
			x.logger.Debug("keeping undecodable subject word", "word", w, "err", err)
			continue
		}
		words[i] = decoded
	}
	return strings.Join(words, " ")
}

func partHeader(h mail.PartHeader) message.Header {
	switch ph := h.(type) {
	case *mail.AttachmentHeader:
		return ph.Header
	case *mail.InlineHeader:
		return ph.Header
	}
	var mh message.Header
	for _, k := range []string{"Content-Type", "Content-Disposition"} {
		if v := h.Get(k); v != "" {
			mh.Set(k, v)
		}
	}
	return mh
}

func firstAddress(h mail.Header) string {
	list, err := h.AddressList("From")
	if err != nil || len(list) == 0 {
		return ""
	}
	return strings.ToLower(list[0].Address)
}

func isEncodingProblem(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}
