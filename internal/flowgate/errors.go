package flowgate

import "net/http"

// Kind classifies an error the way §7 of the design describes: each kind
// carries its own recovery and HTTP status mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindConfigInvalid
	KindIOTransport
	KindTimeout
	KindUpstreamUnavailable
	KindClientBadRequest
	KindAuthRejected
	KindRateLimited
	KindScriptError
)

func (k Kind) String() string {
	switch k {
	case KindConfigInvalid:
		return "config_invalid"
	case KindIOTransport:
		return "io_transport"
	case KindTimeout:
		return "timeout"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindClientBadRequest:
		return "client_bad_request"
	case KindAuthRejected:
		return "auth_rejected"
	case KindRateLimited:
		return "rate_limited"
	case KindScriptError:
		return "script_error"
	default:
		return "internal"
	}
}

// StatusCode returns the HTTP status this kind surfaces to the client,
// per the propagation table in §7.
func (k Kind) StatusCode() int {
	switch k {
	case KindClientBadRequest:
		return http.StatusBadRequest
	case KindAuthRejected:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindScriptError, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is a typed error carrying a Kind so call sites can decide the
// client-facing status without string matching.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds an *Error of the given kind, tagging it with the operation
// that observed the failure.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
