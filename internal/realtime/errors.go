package realtime

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrAuthentication matches any error the server used to reject the
// presented credential. Such errors are never retried.
var ErrAuthentication = errors.New("authentication failed")

var ErrClosed = errors.New("connection manager closed")

// authCodes are structured rejection codes that identify a credential
// failure without inspecting the message.
var authCodes = map[string]struct{}{
	"unauthorized":          {},
	"forbidden":             {},
	"authentication_failed": {},
	"invalid_token":         {},
	"token_expired":         {},
}

// HandshakeError is a rejection reported by the server, either as an HTTP
// status on the upgrade request or as a connect_error/disconnect frame.
type HandshakeError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HandshakeError) Error() string {
	switch {
	case e.Code != "" && e.StatusCode != 0:
		return fmt.Sprintf("handshake rejected (http %d %s): %s", e.StatusCode, e.Code, e.Message)
	case e.Code != "":
		return fmt.Sprintf("handshake rejected (%s): %s", e.Code, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("handshake rejected (http %d): %s", e.StatusCode, e.Message)
	default:
		return "handshake rejected: " + e.Message
	}
}

func (e *HandshakeError) Is(target error) bool {
	return target == ErrAuthentication && e.authentication()
}

func (e *HandshakeError) authentication() bool {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return true
	}
	if _, ok := authCodes[strings.ToLower(strings.TrimSpace(e.Code))]; ok {
		return true
	}
	return mentionsCredential(e.Message)
}

// mentionsCredential is the fallback for servers that only send a message.
func mentionsCredential(message string) bool {
	message = strings.ToLower(message)
	return strings.Contains(message, "authentication") || strings.Contains(message, "token")
}

func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthentication)
}
