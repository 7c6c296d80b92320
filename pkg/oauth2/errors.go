package oauth2

import (
	"errors"
	"fmt"
)

const (
	ErrorInvalidRequest       = "invalid_request"
	ErrorInvalidClient        = "invalid_client"
	ErrorInvalidGrant         = "invalid_grant"
	ErrorInvalidScope         = "invalid_scope"
	ErrorUnauthorizedClient   = "unauthorized_client"
	ErrorUnsupportedGrantType = "unsupported_grant_type"
	ErrorInvalidDPoPProof     = "invalid_dpop_proof"
	ErrorUseDPoPNonce         = "use_dpop_nonce"
	ErrorServerError          = "server_error"
	// UMA 2.0 grant errors
	ErrorNeedInfo         = "need_info"
	ErrorRequestSubmitted = "request_submitted"
	ErrorNotAuthorized    = "not_authorized"
	ErrorInvalidResource  = "invalid_resource_id"
)

// Kind classifies an Error so transports can pick a status code without
// matching on Code strings.
type Kind int

const (
	KindRequest Kind = iota
	KindClient
	KindGrant
	KindScope
	KindUMA
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindClient:
		return "client"
	case KindGrant:
		return "grant"
	case KindScope:
		return "scope"
	case KindUMA:
		return "uma"
	case KindServer:
		return "server"
	}
	return "unknown"
}

type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	// Details carries additional members of the error response, e.g. the
	// required claims of an UMA need_info error.
	Details any  `json:"-"`
	Kind    Kind `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Is matches errors with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func newError(kind Kind, code, format string, args ...any) *Error {
	desc := format
	if len(args) > 0 {
		desc = fmt.Sprintf(format, args...)
	}
	return &Error{Code: code, Description: desc, Kind: kind}
}

func InvalidRequest(format string, args ...any) *Error {
	return newError(KindRequest, ErrorInvalidRequest, format, args...)
}

// MissingParameter is an invalid_request error citing the missing parameter.
func MissingParameter(name string) *Error {
	return newError(KindRequest, ErrorInvalidRequest, "missing_parameter: %s", name)
}

func InvalidClient(format string, args ...any) *Error {
	return newError(KindClient, ErrorInvalidClient, format, args...)
}

func InvalidGrant(format string, args ...any) *Error {
	return newError(KindGrant, ErrorInvalidGrant, format, args...)
}

func InvalidScope(format string, args ...any) *Error {
	return newError(KindScope, ErrorInvalidScope, format, args...)
}

func UnsupportedGrantType(grantType string) *Error {
	return newError(KindRequest, ErrorUnsupportedGrantType, "grant type %q is not supported", grantType)
}

func InvalidDPoPProof(format string, args ...any) *Error {
	return newError(KindRequest, ErrorInvalidDPoPProof, format, args...)
}

// UMAError builds one of the UMA grant error codes.
func UMAError(code string, details any, format string, args ...any) *Error {
	e := newError(KindUMA, code, format, args...)
	e.Details = details
	return e
}

// AsError returns the *Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var oerr *Error
	if errors.As(err, &oerr) {
		return oerr, true
	}
	return nil, false
}

// HasCode reports whether err carries an *Error with the given code.
func HasCode(err error, code string) bool {
	oerr, ok := AsError(err)
	return ok && oerr.Code == code
}
