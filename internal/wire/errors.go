// Package wire implements DNS message parse/render: header, question, and
// resource-record codecs, plus EDNS0. It is the fetch engine's wire-format
// collaborator (spec §1 "out of scope: the wire-format message codec") kept
// minimal enough to drive query building and response classification.
//
// Standards covered: RFC 1035 (core), RFC 1034 (concepts), RFC 2308
// (negative caching), RFC 3596 (AAAA), RFC 6891 (EDNS0/OPT).
//
// All errors are wrapped with fmt.Errorf("...: %w", err) against ErrDNSError
// so callers can match with errors.Is while retaining operational context.
package wire

import "errors"

// ErrDNSError is the sentinel for DNS wire-format violations.
var ErrDNSError = errors.New("dns wire error")
