package email

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
)

// Transport errors.
var (
	ErrNoRecipients  = errors.New("no valid recipients")
	ErrCircuitOpen   = errors.New("email transport circuit is open")
	ErrMissingAPIKey = errors.New("resend api key is required")
	ErrMissingHost   = errors.New("smtp host is required")
)

// TransportError is a non-success answer from an email provider.
type TransportError struct {
	Provider   string
	StatusCode int
	Payload    string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Payload != "":
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Payload)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d", e.Provider, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	default:
		return e.Provider + ": send failed"
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the provider is expected to accept the same
// message later: rate limiting, server errors and network failures.
func (e *TransportError) IsRetryable() bool {
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// IsRetryable classifies an SMTP delivery failure. Network failures and 4xx
// replies are transient. 552 is treated as transient too because relays use
// it for full mailboxes.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	code, ok := replyCode(err)
	if !ok {
		return false
	}
	return code/100 == 4 || code == 552
}

// replyCode extracts the SMTP reply code from err. net/smtp reports replies
// as *textproto.Error; other paths only carry the code as leading text.
func replyCode(err error) (int, bool) {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code, true
	}

	msg := err.Error()
	if len(msg) < 3 {
		return 0, false
	}
	code, convErr := strconv.Atoi(msg[:3])
	if convErr != nil || code < 200 || code > 599 {
		return 0, false
	}
	return code, true
}

// smtpError carries the retry decision for an SMTP failure.
type smtpError struct {
	err error
}

func (e *smtpError) Error() string { return e.err.Error() }

func (e *smtpError) Unwrap() error { return e.err }

func (e *smtpError) IsRetryable() bool { return IsRetryable(e.err) }
