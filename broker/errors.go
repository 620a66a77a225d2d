package broker

import (
	"errors"
	"fmt"
)

// Kind sentinels. APIError unwraps to one of these so callers can classify
// with errors.Is without inspecting HTTP codes.
var (
	ErrTransient = errors.New("broker: transient error")
	ErrPermanent = errors.New("broker: permanent error")
	ErrTimeout   = errors.New("broker: timeout")
	ErrAuth      = errors.New("broker: authentication error")
)

var (
	// ErrUnknownInstrument 找不到 (symbol, exchange) 对应的 ScripCode。
	ErrUnknownInstrument = errors.New("broker: unknown instrument")
	// ErrInvalidCredentials 凭据永久失效，需要用户重新录入。
	ErrInvalidCredentials = errors.New("broker: invalid credentials")
	// ErrAuthTransient 登录瞬时失败，可退避后重试一次。
	ErrAuthTransient = errors.New("broker: transient auth failure")
)

// APIError carries the HTTP status and the broker body status alongside the
// classified kind.
type APIError struct {
	Kind         error
	HTTPStatus   int
	BrokerStatus int
	Message      string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker api error: http=%d status=%d %s", e.HTTPStatus, e.BrokerStatus, e.Message)
}

func (e *APIError) Unwrap() error { return e.Kind }

// classifyHTTP maps an HTTP status code to a kind sentinel.
// 401 maps to ErrAuth; the client invalidates the session and logs in again after classification.
func classifyHTTP(status int) error {
	switch {
	case status == 429:
		return ErrTransient
	case status >= 500:
		return ErrTransient
	case status == 401:
		return ErrAuth
	case status >= 400:
		return ErrPermanent
	default:
		return nil
	}
}
