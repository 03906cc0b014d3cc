package cardata

import "fmt"

// AuthErrorKind classifies OAuth failures.
type AuthErrorKind string

const (
	AuthErrorNetwork       AuthErrorKind = "network"
	AuthErrorInvalidClient AuthErrorKind = "invalid_client"
	AuthErrorTimeout       AuthErrorKind = "timeout"
	AuthErrorAccessDenied  AuthErrorKind = "access_denied"
	AuthErrorExpired       AuthErrorKind = "expired"
	AuthErrorRejected      AuthErrorKind = "rejected"
)

// AuthError is returned when the BMW OAuth service rejects a request.
type AuthError struct {
	Kind    AuthErrorKind
	Code    string
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("auth %s: %s: %s", e.Kind, e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("auth %s: %s", e.Kind, e.Message)
}

func (e *AuthError) Unwrap() error { return e.Err }

// APIError is returned for REST endpoint failures.
type APIError struct {
	Status int
	VIN    string
	Body   string
}

func (e *APIError) Error() string {
	if e.VIN != "" {
		return fmt.Sprintf("cardata api: status=%d vin=%s: %s", e.Status, e.VIN, e.Body)
	}
	return fmt.Sprintf("cardata api: status=%d: %s", e.Status, e.Body)
}
