// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeValidation     = "proxy_validation_error"
	TypeQuotaExceeded  = "proxy_quota_exceeded"
	TypeRateLimited    = "proxy_rate_limited"
	TypeInternal       = "proxy_internal_error"
	TypeNetwork        = "proxy_network_error"
	TypeUpstream       = "proxy_upstream_error"
	TypeAuthentication = "authentication_error"
	TypeForbidden      = "forbidden"
)

// Code constants.
const (
	CodeContextTooLarge  = "context_too_large"
	CodeContentTooLarge  = "content_too_large"
	CodeNoKeysAvailable  = "no_keys_available"
	CodeTooManyQueued    = "too_many_queued"
	CodeQueueTimeout     = "queue_timeout"
	CodeModelNotFound    = "model_not_found"
	CodeOrgDisabled      = "organization_account_disabled"
	CodeInvalidRequest   = "invalid_request"
	CodeInternalError    = "internal_error"
	CodeRateLimitEx      = "rate_limit_exceeded"
	CodeQuotaExceeded    = "quota_exceeded"
	CodeStreamingErr     = "streaming_error"
	CodeNotImplemented   = "not_implemented"
	CodeUpstreamError    = "upstream_error"
	CodeVisionNotAllowed = "vision_not_allowed"
)

// Network error codes surfaced to clients in the node tradition the
// downstream frontends already parse.
const (
	NetNotFound    = "ENOTFOUND"
	NetConnRefused = "ECONNREFUSED"
	NetConnReset   = "ECONNRESET"
)

// ErrRetryable is the sentinel raised by the response handler when a request
// has been re-enqueued. It aborts the response middleware chain without
// closing the client connection and is never surfaced to the client.
var ErrRetryable = errors.New("apierr: request re-enqueued")

type (
	// Issue is one structured validation failure.
	Issue struct {
		Path    string `json:"path"`
		Message string `json:"message"`
	}

	// QuotaInfo accompanies quota rejections.
	QuotaInfo struct {
		Quota     int64 `json:"quota"`
		Used      int64 `json:"used"`
		Requested int64 `json:"requested"`
	}

	// Error is the structured error returned to clients. Status is the HTTP
	// status; the remaining fields are serialized into the response envelope.
	Error struct {
		Status     int           `json:"-"`
		Message    string        `json:"message"`
		Type       string        `json:"type"`
		Code       string        `json:"code,omitempty"`
		Issues     []Issue       `json:"issues,omitempty"`
		Info       *QuotaInfo    `json:"info,omitempty"`
		RetryAfter time.Duration `json:"-"`
	}

	envelope struct {
		Error *Error `json:"error"`
	}
)

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// HTTPStatus implements the StatusCoder convention used across the relay.
func (e *Error) HTTPStatus() int { return e.Status }

// ── Constructors ────────────────────────────────────────────────────────────

// Validation builds a 400 with structured issues.
func Validation(issues ...Issue) *Error {
	msg := "request body failed validation"
	if len(issues) == 1 {
		msg = issues[0].Message
	}
	return &Error{
		Status:  fasthttp.StatusBadRequest,
		Message: msg,
		Type:    TypeValidation,
		Code:    CodeInvalidRequest,
		Issues:  issues,
	}
}

// ContextTooLarge builds the 400 returned by the context-size validator.
func ContextTooLarge(prompt, output, limit int) *Error {
	return &Error{
		Status: fasthttp.StatusBadRequest,
		Message: fmt.Sprintf(
			"prompt (%d tokens) plus requested output (%d tokens) exceeds the limit of %d tokens for this model",
			prompt, output, limit),
		Type: TypeValidation,
		Code: CodeContextTooLarge,
	}
}

// ContentTooLarge builds the 400 returned by the tokenizer guard.
func ContentTooLarge() *Error {
	return &Error{
		Status:  fasthttp.StatusBadRequest,
		Message: "prompt is too large to tokenize safely",
		Type:    TypeValidation,
		Code:    CodeContentTooLarge,
	}
}

// Unauthorized builds the gatekeeper 401.
func Unauthorized() *Error {
	return &Error{
		Status:  fasthttp.StatusUnauthorized,
		Message: "Unauthorized",
		Type:    TypeAuthentication,
	}
}

// Forbidden builds a 403.
func Forbidden(msg string) *Error {
	return &Error{Status: fasthttp.StatusForbidden, Message: msg, Type: TypeForbidden}
}

// OrgDisabled builds the 403 returned for blocklisted origins.
func OrgDisabled() *Error {
	return &Error{
		Status:  fasthttp.StatusForbidden,
		Message: "this origin is not permitted to use the proxy",
		Type:    TypeForbidden,
		Code:    CodeOrgDisabled,
	}
}

// ModelNotFound builds the 404 returned when no key pool family serves the
// requested model.
func ModelNotFound(model string) *Error {
	return &Error{
		Status:  fasthttp.StatusNotFound,
		Message: fmt.Sprintf("model %q is not available on this endpoint", model),
		Type:    TypeValidation,
		Code:    CodeModelNotFound,
	}
}

// VisionNotAllowed builds the 403 raised when an image-bearing prompt targets
// a service outside the vision allow-list.
func VisionNotAllowed() *Error {
	return &Error{
		Status:  fasthttp.StatusForbidden,
		Message: "image prompts are not permitted for this service",
		Type:    TypeForbidden,
		Code:    CodeVisionNotAllowed,
	}
}

// QuotaExceeded builds the 429 raised by the user-quota check.
func QuotaExceeded(info QuotaInfo) *Error {
	return &Error{
		Status: fasthttp.StatusTooManyRequests,
		Message: fmt.Sprintf("your token quota for this model family is exhausted (%d used of %d, %d requested)",
			info.Used, info.Quota, info.Requested),
		Type: TypeQuotaExceeded,
		Code: CodeQuotaExceeded,
		Info: &info,
	}
}

// RateLimited builds the per-identifier 429 with a Retry-After hint.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Status:     fasthttp.StatusTooManyRequests,
		Message:    "too many requests from this address, slow down",
		Type:       TypeRateLimited,
		Code:       CodeRateLimitEx,
		RetryAfter: retryAfter,
	}
}

// TooManyQueued builds the 429 raised by the queue concurrency cap.
func TooManyQueued() *Error {
	return &Error{
		Status:  fasthttp.StatusTooManyRequests,
		Message: "you already have a request waiting in the queue",
		Type:    TypeRateLimited,
		Code:    CodeTooManyQueued,
	}
}

// NoKeysAvailable builds the 500 raised when the pool has no usable key.
func NoKeysAvailable(family string) *Error {
	return &Error{
		Status: fasthttp.StatusInternalServerError,
		Message: fmt.Sprintf("no API keys can currently serve %q; try again later or pick another model",
			family),
		Type: TypeInternal,
		Code: CodeNoKeysAvailable,
	}
}

// QueueTimeout builds the error sent when a queued request goes stale.
func QueueTimeout() *Error {
	return &Error{
		Status:  fasthttp.StatusInternalServerError,
		Message: "request waited in the queue too long and was dropped",
		Type:    TypeInternal,
		Code:    CodeQueueTimeout,
	}
}

// Internal wraps an unexpected failure. The underlying error text is kept in
// the message only when debug is set; otherwise a generic line is surfaced.
func Internal(err error, debug bool) *Error {
	msg := "an internal error occurred while handling the request"
	if debug && err != nil {
		msg = err.Error()
	}
	return &Error{
		Status:  fasthttp.StatusInternalServerError,
		Message: msg,
		Type:    TypeInternal,
		Code:    CodeInternalError,
	}
}

// Upstream surfaces a classified provider failure with its original status.
func Upstream(status int, errType, code, msg string) *Error {
	if errType == "" {
		errType = TypeUpstream
	}
	if code == "" {
		code = CodeUpstreamError
	}
	return &Error{Status: status, Message: msg, Type: errType, Code: code}
}

// Network classifies a transport failure into 502/504 with a node-style code.
func Network(err error) *Error {
	code := NetConnReset
	status := fasthttp.StatusBadGateway
	switch {
	case isDNSError(err):
		code = NetNotFound
	case errors.Is(err, syscall.ECONNREFUSED):
		code = NetConnRefused
	case isTimeout(err):
		status = fasthttp.StatusGatewayTimeout
	}
	return &Error{
		Status:  status,
		Message: fmt.Sprintf("error communicating with the upstream provider (%s)", code),
		Type:    TypeNetwork,
		Code:    code,
	}
}

func isDNSError(err error) bool {
	var dns *net.DNSError
	return errors.As(err, &dns)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ── Response writers ────────────────────────────────────────────────────────

// From coerces any error into an *Error, wrapping unknown ones as internal.
func From(err error, debug bool) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal(err, debug)
}

// Write serializes e as the JSON error envelope on a fasthttp response.
func Write(ctx *fasthttp.RequestCtx, e *Error) {
	ctx.SetStatusCode(e.Status)
	ctx.SetContentType("application/json")
	if e.RetryAfter > 0 {
		secs := int(e.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		ctx.Response.Header.Set("Retry-After", strconv.Itoa(secs))
	}
	body, _ := json.Marshal(envelope{Error: e})
	ctx.SetBody(body)
}

// WriteErr coerces and writes any error.
func WriteErr(ctx *fasthttp.RequestCtx, err error, debug bool) {
	Write(ctx, From(err, debug))
}

// Envelope serializes e as the JSON error envelope body. Used by the SSE
// path, which frames errors as events instead of writing a status.
func Envelope(e *Error) []byte {
	body, _ := json.Marshal(envelope{Error: e})
	return body
}

// ScrubOrgIDs rewrites OpenAI organization identifiers before a body is
// returned to a client.
func ScrubOrgIDs(s string) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "org-")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := i + 4
		for j < len(s) && isOrgIDChar(s[j]) {
			j++
		}
		if j-(i+4) >= 20 {
			b.WriteString(s[:i])
			b.WriteString("org-xxxxxxxxxxxxxxxxxxx")
		} else {
			b.WriteString(s[:j])
		}
		s = s[j:]
	}
}

func isOrgIDChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
