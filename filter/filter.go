// Package filter decides which incoming messages are eligible for relaying.
package filter

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
)

// Options captures the per-mailbox filtering configuration.
type Options struct {
	// SenderDomains restricts relaying to senders from these domains.
	// Empty means any sender.
	SenderDomains []string
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// Filter holds the compiled rules for one mailbox.
type Filter struct {
	domains        map[string]struct{}
	includeMode    bool
	excludeMode    bool
	includeHeader  []*regexp.Regexp
	includeBody    []*regexp.Regexp
	excludeHeader  []*regexp.Regexp
	excludeBody    []*regexp.Regexp
	needHeaderText bool
	needBodyText   bool
}

// New compiles opts. Include and exclude rules cannot be combined.
func New(opts Options) (*Filter, error) {
	includeHeader, err := compilePatterns(opts.IncludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile include-header pattern: %w", err)
	}
	includeBody, err := compilePatterns(opts.IncludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile include-body pattern: %w", err)
	}
	excludeHeader, err := compilePatterns(opts.ExcludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-header pattern: %w", err)
	}
	excludeBody, err := compilePatterns(opts.ExcludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-body pattern: %w", err)
	}

	includeActive := len(includeHeader) > 0 || len(includeBody) > 0
	excludeActive := len(excludeHeader) > 0 || len(excludeBody) > 0
	if includeActive && excludeActive {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	var domains map[string]struct{}
	for _, d := range opts.SenderDomains {
		d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "@"))
		if d == "" {
			continue
		}
		if domains == nil {
			domains = make(map[string]struct{})
		}
		domains[d] = struct{}{}
	}

	return &Filter{
		domains:        domains,
		includeMode:    includeActive,
		excludeMode:    excludeActive,
		includeHeader:  includeHeader,
		includeBody:    includeBody,
		excludeHeader:  excludeHeader,
		excludeBody:    excludeBody,
		needHeaderText: len(includeHeader) > 0 || len(excludeHeader) > 0,
		needBodyText:   len(includeBody) > 0 || len(excludeBody) > 0,
	}, nil
}

// Accept applies the sender and content rules to one message. reason is
// empty when the message is accepted. A nil Filter accepts everything.
func (f *Filter) Accept(from string, raw []byte) (ok bool, reason string) {
	if f == nil {
		return true, ""
	}
	if !f.AllowsSender(from) {
		return false, "sender domain not allowed"
	}
	header, body := SplitRawMessage(raw)
	if !f.Allows(header, body) {
		return false, "content rules"
	}
	return true, ""
}

// AllowsSender reports whether the address belongs to an allowed domain.
func (f *Filter) AllowsSender(from string) bool {
	if len(f.domains) == 0 {
		return true
	}
	at := strings.LastIndexByte(from, '@')
	if at < 0 {
		return false
	}
	_, ok := f.domains[strings.ToLower(from[at+1:])]
	return ok
}

// Allows returns true if the header and body pass the regex rules.
func (f *Filter) Allows(header, body []byte) bool {
	var headerText, bodyText string
	if f.needHeaderText {
		headerText = string(header)
	}
	if f.needBodyText {
		bodyText = string(body)
	}

	if f.includeMode {
		return matchAny(f.includeHeader, headerText) || matchAny(f.includeBody, bodyText)
	}

	if f.excludeMode {
		if matchAny(f.excludeHeader, headerText) || matchAny(f.excludeBody, bodyText) {
			return false
		}
	}

	return true
}

// SplitRawMessage splits a raw email message into header and body parts.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}

	return raw, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
