package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Kind classifies an error for retry and escalation decisions.
type Kind int

const (
	// KindValidation - ill-formed input: empty task, unknown action, duplicate callback.
	KindValidation Kind = iota
	// KindResourceShortage - allocation cannot satisfy every non-optional requirement.
	KindResourceShortage
	// KindTimeout - turn deadline or per-operation timeout exceeded.
	KindTimeout
	// KindMalformedDecision - agent output unparseable after format repairs.
	KindMalformedDecision
	// KindStopEscalation - an action asked the loop to abandon the phase and escalate.
	KindStopEscalation
	// KindUnauthorized - kernel authentication failure; never retried.
	KindUnauthorized
	// KindQuotaExhausted - kernel quota/payment failure; never retried.
	KindQuotaExhausted
	// KindTransient - retryable kernel/network failure.
	KindTransient
	// KindFatal - child process died unexpectedly; caller decides on restart.
	KindFatal
	// KindUserInterrupt - active turn cancelled by the user.
	KindUserInterrupt
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindResourceShortage:
		return "resource_shortage"
	case KindTimeout:
		return "timeout"
	case KindMalformedDecision:
		return "malformed_decision"
	case KindStopEscalation:
		return "stop_escalation"
	case KindUnauthorized:
		return "unauthorized"
	case KindQuotaExhausted:
		return "quota_exhausted"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindUserInterrupt:
		return "user_interrupt"
	default:
		return "unknown"
	}
}

// AgentError is the typed error every component raises. Status carries an
// HTTP status code when the failure originated from the kernel's provider.
type AgentError struct {
	Kind    Kind
	Message string
	Status  int
	Err     error
}

func (e *AgentError) Error() string {
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *AgentError) Unwrap() error { return e.Err }

// New builds an AgentError of the given kind.
func New(kind Kind, format string, args ...any) *AgentError {
	return &AgentError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error.
func Wrap(kind Kind, err error, format string, args ...any) *AgentError {
	return &AgentError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func Validation(format string, args ...any) *AgentError {
	return New(KindValidation, format, args...)
}

func ResourceShortage(format string, args ...any) *AgentError {
	return New(KindResourceShortage, format, args...)
}

func Timeout(format string, args ...any) *AgentError {
	return New(KindTimeout, format, args...)
}

func MalformedDecision(format string, args ...any) *AgentError {
	return New(KindMalformedDecision, format, args...)
}

func StopEscalation(format string, args ...any) *AgentError {
	return New(KindStopEscalation, format, args...)
}

func Unauthorized(format string, args ...any) *AgentError {
	return New(KindUnauthorized, format, args...)
}

func QuotaExhausted(format string, args ...any) *AgentError {
	return New(KindQuotaExhausted, format, args...)
}

func Transient(format string, args ...any) *AgentError {
	return New(KindTransient, format, args...)
}

func Fatal(format string, args ...any) *AgentError {
	return New(KindFatal, format, args...)
}

func UserInterrupt(format string, args ...any) *AgentError {
	return New(KindUserInterrupt, format, args...)
}

// KindOf extracts the Kind from err, or KindFatal when err carries none.
func KindOf(err error) Kind {
	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		return agentErr.Kind
	}
	return KindFatal
}

// IsKind reports whether err is an AgentError of the given kind.
func IsKind(err error, kind Kind) bool {
	var agentErr *AgentError
	return errors.As(err, &agentErr) && agentErr.Kind == kind
}

func IsValidation(err error) bool        { return IsKind(err, KindValidation) }
func IsResourceShortage(err error) bool  { return IsKind(err, KindResourceShortage) }
func IsMalformedDecision(err error) bool { return IsKind(err, KindMalformedDecision) }
func IsStopEscalation(err error) bool    { return IsKind(err, KindStopEscalation) }
func IsUserInterrupt(err error) bool     { return IsKind(err, KindUserInterrupt) }

// IsTimeout also recognizes context deadline and net timeout errors that were
// not wrapped into an AgentError.
func IsTimeout(err error) bool {
	if IsKind(err, KindTimeout) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "deadline exceeded")
}

// retryableStatuses is the exact set of provider HTTP statuses a turn may be
// retried on. Authentication (401/402/403) and quota failures never retry.
var retryableStatuses = map[int]bool{
	http.StatusRequestTimeout:      true, // 408
	http.StatusConflict:            true, // 409
	http.StatusTooEarly:            true, // 425
	http.StatusTooManyRequests:     true, // 429
	http.StatusInternalServerError: true, // 500
	http.StatusBadGateway:          true, // 502
	http.StatusServiceUnavailable:  true, // 503
	http.StatusGatewayTimeout:      true, // 504
}

// RetryableStatus reports whether an HTTP status code is retryable.
func RetryableStatus(status int) bool { return retryableStatuses[status] }

// FromHTTPStatus classifies a provider HTTP status into an AgentError.
func FromHTTPStatus(status int, format string, args ...any) *AgentError {
	kind := KindFatal
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindUnauthorized
	case status == http.StatusPaymentRequired:
		kind = KindQuotaExhausted
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = KindTimeout
	case RetryableStatus(status):
		kind = KindTransient
	}
	err := New(kind, format, args...)
	err.Status = status
	return err
}

// FromKernelMessage classifies an error event message from the kernel child.
// The message string is the only channel: embedded status tokens map through
// FromHTTPStatus, network failure patterns become Transient, the rest Fatal.
func FromKernelMessage(message string) *AgentError {
	plain := errors.New(message)
	if status := extractHTTPStatus(plain); status > 0 {
		return FromHTTPStatus(status, "kernel error: %s", message)
	}
	if isNetworkError(plain) {
		return New(KindTransient, "kernel error: %s", message)
	}
	return New(KindFatal, "kernel error: %s", message)
}

// IsRetryable decides whether a failed kernel turn may be resubmitted.
// Explicit kinds win; otherwise network/syscall/status heuristics apply.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		switch agentErr.Kind {
		case KindTransient, KindTimeout:
			return true
		case KindUnauthorized, KindQuotaExhausted, KindValidation,
			KindMalformedDecision, KindStopEscalation, KindUserInterrupt, KindResourceShortage:
			return false
		case KindFatal:
			if agentErr.Status > 0 {
				return RetryableStatus(agentErr.Status)
			}
			return false
		}
	}

	if isNetworkError(err) || isSyscallError(err) {
		return true
	}
	if status := extractHTTPStatus(err); status > 0 {
		return RetryableStatus(status)
	}
	return false
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"deadline exceeded",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

func isSyscallError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}

var statusTokens = []struct {
	token  string
	status int
}{
	{"401", 401}, {"402", 402}, {"403", 403}, {"408", 408}, {"409", 409},
	{"425", 425}, {"429", 429}, {"500", 500}, {"502", 502}, {"503", 503},
	{"504", 504},
}

// extractHTTPStatus digs a status code out of an error string of the shape
// "provider error 429: ..." or "HTTP 503". Kernel error events arrive as
// plain strings, so string matching is the only channel available.
func extractHTTPStatus(err error) int {
	lowerErr := strings.ToLower(err.Error())
	for _, entry := range statusTokens {
		if strings.Contains(lowerErr, "status "+entry.token) ||
			strings.Contains(lowerErr, "http "+entry.token) ||
			strings.Contains(lowerErr, "error "+entry.token) {
			return entry.status
		}
	}
	return 0
}

// Observation converts an error into the string recorded as a loop
// observation, preferring the typed message over raw wrapping noise.
func Observation(err error) string {
	if err == nil {
		return ""
	}
	var agentErr *AgentError
	if errors.As(err, &agentErr) && agentErr.Message != "" {
		return agentErr.Message
	}
	return err.Error()
}
