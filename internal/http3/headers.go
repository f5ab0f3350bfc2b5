package http3

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/http2/hpack"
)

// Header fields cross the adapter boundary as hpack.HeaderField lists: the
// transport owns QPACK, so by the time the adapter sees a header block it is
// already a decoded field list, and field lists handed to the transport are
// serialized there. The wrappers below add pseudo-header access and the
// validation the adapter must apply before dispatching to the application.

// UnderscoreAction selects what happens to request header names containing
// underscores.
type UnderscoreAction int

const (
	// UnderscoreActionAllow passes such headers through untouched.
	UnderscoreActionAllow UnderscoreAction = iota
	// UnderscoreActionRejectRequest fails the request.
	UnderscoreActionRejectRequest
	// UnderscoreActionDropHeader silently removes the field.
	UnderscoreActionDropHeader
)

// ParseUnderscoreAction parses the configuration spelling of an
// UnderscoreAction.
func ParseUnderscoreAction(s string) (UnderscoreAction, error) {
	switch s {
	case "", "allow":
		return UnderscoreActionAllow, nil
	case "reject_request":
		return UnderscoreActionRejectRequest, nil
	case "drop_header":
		return UnderscoreActionDropHeader, nil
	default:
		return UnderscoreActionAllow, fmt.Errorf("unknown headers_with_underscores_action %q", s)
	}
}

// String returns the configuration spelling of the action.
func (a UnderscoreAction) String() string {
	switch a {
	case UnderscoreActionRejectRequest:
		return "reject_request"
	case UnderscoreActionDropHeader:
		return "drop_header"
	default:
		return "allow"
	}
}

type fieldList struct {
	fields []hpack.HeaderField
}

// Get returns the first value of name and whether it was present.
func (l *fieldList) Get(name string) (string, bool) {
	for _, f := range l.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// Values returns every value of name in insertion order.
func (l *fieldList) Values(name string) []string {
	var vals []string
	for _, f := range l.fields {
		if f.Name == name {
			vals = append(vals, f.Value)
		}
	}
	return vals
}

// Len returns the number of fields.
func (l *fieldList) Len() int { return len(l.fields) }

// Range calls fn for each field in insertion order until fn returns false.
func (l *fieldList) Range(fn func(name, value string) bool) {
	for _, f := range l.fields {
		if !fn(f.Name, f.Value) {
			return
		}
	}
}

// Fields returns the underlying field list. Callers must not mutate it.
func (l *fieldList) Fields() []hpack.HeaderField { return l.fields }

// RequestHeaderMap wraps a validated request header (or trailer) field list,
// preserving insertion order.
type RequestHeaderMap struct {
	fieldList
}

// NewRequestHeaderMap wraps fields without copying; the caller hands over
// ownership.
func NewRequestHeaderMap(fields []hpack.HeaderField) *RequestHeaderMap {
	return &RequestHeaderMap{fieldList{fields: fields}}
}

// Method returns the :method pseudo-header, empty when absent.
func (h *RequestHeaderMap) Method() string { v, _ := h.Get(":method"); return v }

// Path returns the :path pseudo-header, empty when absent.
func (h *RequestHeaderMap) Path() string { v, _ := h.Get(":path"); return v }

// Scheme returns the :scheme pseudo-header, empty when absent.
func (h *RequestHeaderMap) Scheme() string { v, _ := h.Get(":scheme"); return v }

// Authority returns the :authority pseudo-header, empty when absent.
func (h *RequestHeaderMap) Authority() string { v, _ := h.Get(":authority"); return v }

// Protocol returns the :protocol pseudo-header (extended CONNECT), empty
// when absent.
func (h *RequestHeaderMap) Protocol() string { v, _ := h.Get(":protocol"); return v }

// ContentLength parses the content-length header. ok is false when the
// header is absent. Multiple differing values, non-digit content or
// overflow return an error.
func (h *RequestHeaderMap) ContentLength() (length int64, ok bool, err error) {
	vals := h.Values("content-length")
	if len(vals) == 0 {
		return 0, false, nil
	}
	for i := 1; i < len(vals); i++ {
		if vals[i] != vals[0] {
			return 0, false, fmt.Errorf("conflicting content-length values %q and %q", vals[0], vals[i])
		}
	}
	v := vals[0]
	if v == "" {
		return 0, false, fmt.Errorf("empty content-length")
	}
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return 0, false, fmt.Errorf("malformed content-length %q", v)
		}
	}
	n, perr := strconv.ParseInt(v, 10, 64)
	if perr != nil {
		return 0, false, fmt.Errorf("malformed content-length %q", v)
	}
	return n, true, nil
}

// ResponseHeaderMap wraps a response header field list.
type ResponseHeaderMap struct {
	fieldList
}

// NewResponseHeaderMap wraps fields without copying.
func NewResponseHeaderMap(fields []hpack.HeaderField) *ResponseHeaderMap {
	return &ResponseHeaderMap{fieldList{fields: fields}}
}

// ResponseTrailerMap wraps a response trailer field list. Trailers carry
// no pseudo-headers.
type ResponseTrailerMap struct {
	fieldList
}

// NewResponseTrailerMap wraps fields without copying.
func NewResponseTrailerMap(fields []hpack.HeaderField) *ResponseTrailerMap {
	return &ResponseTrailerMap{fieldList{fields: fields}}
}

// Status parses the :status pseudo-header.
func (h *ResponseHeaderMap) Status() (int, error) {
	v, present := h.Get(":status")
	if !present {
		return 0, fmt.Errorf("response headers missing :status")
	}
	code, err := strconv.Atoi(v)
	if err != nil || code < 100 || code > 999 {
		return 0, fmt.Errorf("malformed :status %q", v)
	}
	return code, nil
}

// headerValidationError routes a rejected header block into the stream
// error path: detail becomes the stream's recorded detail, code the reset
// code when the stream (rather than the connection) is torn down.
type headerValidationError struct {
	detail string
	code   ErrorCode
	msg    string
}

func (e *headerValidationError) Error() string { return e.msg }

var requestPseudoHeaders = map[string]bool{
	":method":    true,
	":path":      true,
	":scheme":    true,
	":authority": true,
	":protocol":  true,
}

// validateRequestHeaders checks structural validity of an inbound request
// header block and applies the underscore action, incrementing the
// corresponding counters. On success it returns the (possibly filtered)
// header map.
func validateRequestHeaders(fields []hpack.HeaderField, action UnderscoreAction, maxCount uint32, stats *CodecStats) (*RequestHeaderMap, *headerValidationError) {
	if len(fields) == 0 {
		return nil, &headerValidationError{
			detail: DetailInvalidHeaderField,
			code:   ErrCodeMessageError,
			msg:    "empty request header list",
		}
	}
	if maxCount > 0 && uint32(len(fields)) > maxCount {
		stats.HeadersTooLarge.Add(1)
		return nil, &headerValidationError{
			detail: DetailHeadersTooLarge,
			code:   ErrCodeExcessiveLoad,
			msg:    fmt.Sprintf("%d request headers exceed limit of %d", len(fields), maxCount),
		}
	}

	filtered := make([]hpack.HeaderField, 0, len(fields))
	seenPseudo := make(map[string]bool, 5)
	regularSeen := false
	for _, f := range fields {
		if f.Name == "" {
			return nil, &headerValidationError{
				detail: DetailInvalidHeaderField,
				code:   ErrCodeMessageError,
				msg:    "empty header field name",
			}
		}
		if f.IsPseudo() {
			if regularSeen {
				return nil, &headerValidationError{
					detail: DetailInvalidHeaderField,
					code:   ErrCodeMessageError,
					msg:    fmt.Sprintf("pseudo-header %q after regular header", f.Name),
				}
			}
			if !requestPseudoHeaders[f.Name] {
				return nil, &headerValidationError{
					detail: DetailInvalidHeaderField,
					code:   ErrCodeMessageError,
					msg:    fmt.Sprintf("unknown request pseudo-header %q", f.Name),
				}
			}
			if seenPseudo[f.Name] {
				return nil, &headerValidationError{
					detail: DetailInvalidHeaderField,
					code:   ErrCodeMessageError,
					msg:    fmt.Sprintf("duplicate pseudo-header %q", f.Name),
				}
			}
			seenPseudo[f.Name] = true
			filtered = append(filtered, f)
			continue
		}
		regularSeen = true
		if hasUpperASCII(f.Name) {
			return nil, &headerValidationError{
				detail: DetailInvalidHeaderField,
				code:   ErrCodeMessageError,
				msg:    fmt.Sprintf("uppercase header field name %q", f.Name),
			}
		}
		if strings.Contains(f.Name, "_") {
			switch action {
			case UnderscoreActionDropHeader:
				stats.DroppedHeadersWithUnderscores.Add(1)
				continue
			case UnderscoreActionRejectRequest:
				stats.RequestsRejectedWithUnderscoresInHeaders.Add(1)
				return nil, &headerValidationError{
					detail: DetailUnexpectedUnderscore,
					code:   ErrCodeMessageError,
					msg:    fmt.Sprintf("header field name %q contains underscore", f.Name),
				}
			}
		}
		filtered = append(filtered, f)
	}

	h := NewRequestHeaderMap(filtered)
	if verr := validateRequestCompleteness(h); verr != nil {
		return nil, verr
	}
	return h, nil
}

// validateRequestCompleteness enforces the required pseudo-headers for a
// request: :method always, :path and :scheme for everything but classic
// CONNECT, :authority (and no :path/:scheme) for classic CONNECT, and
// :protocol only on CONNECT.
func validateRequestCompleteness(h *RequestHeaderMap) *headerValidationError {
	missing := func(msg string) *headerValidationError {
		return &headerValidationError{
			detail: DetailMissingRequiredHeaders,
			code:   ErrCodeMessageError,
			msg:    msg,
		}
	}
	method := h.Method()
	if method == "" {
		return missing("request missing :method")
	}
	if h.Protocol() != "" && method != "CONNECT" {
		return &headerValidationError{
			detail: DetailInvalidHeaderField,
			code:   ErrCodeMessageError,
			msg:    ":protocol is only valid on CONNECT requests",
		}
	}
	if method == "CONNECT" && h.Protocol() == "" {
		if h.Path() != "" || h.Scheme() != "" {
			return &headerValidationError{
				detail: DetailInvalidHeaderField,
				code:   ErrCodeMessageError,
				msg:    "CONNECT request must not carry :path or :scheme",
			}
		}
		if h.Authority() == "" {
			return missing("CONNECT request missing :authority")
		}
		return nil
	}
	if h.Path() == "" {
		return missing("request missing :path")
	}
	if h.Scheme() == "" {
		return missing("request missing :scheme")
	}
	return nil
}

// validateTrailers checks an inbound trailer block: no pseudo-headers, no
// empty or uppercase names, underscore action applied.
func validateTrailers(fields []hpack.HeaderField, action UnderscoreAction, stats *CodecStats) (*RequestHeaderMap, *headerValidationError) {
	filtered := make([]hpack.HeaderField, 0, len(fields))
	for _, f := range fields {
		if f.Name == "" || f.IsPseudo() {
			return nil, &headerValidationError{
				detail: DetailInvalidHeaderField,
				code:   ErrCodeMessageError,
				msg:    fmt.Sprintf("invalid trailer field name %q", f.Name),
			}
		}
		if hasUpperASCII(f.Name) {
			return nil, &headerValidationError{
				detail: DetailInvalidHeaderField,
				code:   ErrCodeMessageError,
				msg:    fmt.Sprintf("uppercase trailer field name %q", f.Name),
			}
		}
		if strings.Contains(f.Name, "_") {
			switch action {
			case UnderscoreActionDropHeader:
				stats.DroppedHeadersWithUnderscores.Add(1)
				continue
			case UnderscoreActionRejectRequest:
				stats.RequestsRejectedWithUnderscoresInHeaders.Add(1)
				return nil, &headerValidationError{
					detail: DetailUnexpectedUnderscore,
					code:   ErrCodeMessageError,
					msg:    fmt.Sprintf("trailer field name %q contains underscore", f.Name),
				}
			}
		}
		filtered = append(filtered, f)
	}
	return NewRequestHeaderMap(filtered), nil
}

func hasUpperASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 'A' && s[i] <= 'Z' {
			return true
		}
	}
	return false
}
