package gateway

import (
	"errors"
	"fmt"
)

// Failure kinds surfaced by gateway components.
var (
	ErrMissingCredential     = errors.New("missing credential")
	ErrUnknownAPIKey         = errors.New("invalid api key")
	ErrQuotaExceeded         = errors.New("daily quota exceeded")
	ErrNoAgentsAvailable     = errors.New("no desktop user agents available")
	ErrUpstreamUnavailable   = errors.New("upstream unavailable")
	ErrFetchFailed           = errors.New("fetch failed")
	ErrScrapeFailed          = errors.New("scrape failed")
	ErrEgressToolUnavailable = errors.New("egress tool unavailable")
	ErrStorageUnavailable    = errors.New("storage unavailable")
	ErrKeyAlreadyExists      = errors.New("api key already exists")
	ErrInvalidInput          = errors.New("invalid input")
	ErrLedgerUnavailable     = errors.New("ledger unavailable")
	ErrNotFound              = errors.New("not found")
)

var kinds = []struct {
	err  error
	code string
}{
	{ErrMissingCredential, "missing_credential"},
	{ErrUnknownAPIKey, "unknown_api_key"},
	{ErrQuotaExceeded, "quota_exceeded"},
	{ErrNoAgentsAvailable, "no_agents_available"},
	{ErrUpstreamUnavailable, "upstream_unavailable"},
	{ErrFetchFailed, "fetch_failed"},
	{ErrScrapeFailed, "scrape_failed"},
	{ErrEgressToolUnavailable, "egress_tool_unavailable"},
	{ErrStorageUnavailable, "storage_unavailable"},
	{ErrKeyAlreadyExists, "key_already_exists"},
	{ErrInvalidInput, "invalid_input"},
	{ErrLedgerUnavailable, "ledger_unavailable"},
	{ErrNotFound, "not_found"},
}

// Error annotates a failure with its kind, the failing operation and, for
// outbound fetches, the upstream status code.
type Error struct {
	Kind   error
	Op     string
	Status int
	Detail string
	Err    error
}

// E builds an Error of the given kind.
func E(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithDetail sets the client-facing message.
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// WithStatus records the upstream HTTP status.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

func (e *Error) Error() string {
	msg := e.Detail
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// KindOf returns the first failure kind found in err's chain, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	var gerr *Error
	if errors.As(err, &gerr) && gerr.Kind != nil {
		return gerr.Kind
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.err
		}
	}
	return nil
}

// Code returns the stable machine-readable name of err's kind.
func Code(err error) string {
	kind := KindOf(err)
	for _, k := range kinds {
		if k.err == kind {
			return k.code
		}
	}
	return "internal"
}

// Detail returns the client-facing message for err.
func Detail(err error) string {
	var gerr *Error
	if errors.As(err, &gerr) && gerr.Detail != "" {
		return gerr.Detail
	}
	return err.Error()
}

// UpstreamStatus returns the recorded upstream status code, if any.
func UpstreamStatus(err error) int {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Status
	}
	return 0
}
