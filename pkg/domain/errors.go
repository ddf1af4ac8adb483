package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrPasteNotFound      = NewErr("PASTE_NOT_FOUND", "paste not found", http.StatusNotFound)
	ErrPasteTooLarge      = NewErr("PASTE_TOO_LARGE", "paste content exceeds 1MB limit", http.StatusBadRequest)
	ErrInvalidRequest     = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrIntegrity          = NewErr("INTEGRITY_CHECK_FAILED", "invalid password or corrupted data", http.StatusBadRequest)
	ErrSecuredRaw         = NewErr("SECURED_PASTE", "secured paste content is only served decrypted", http.StatusBadRequest)
	ErrForbidden          = NewErr("FORBIDDEN", "access to this paste is forbidden", http.StatusForbidden)
	ErrPasswordRequired   = NewErr("PASSWORD_REQUIRED", "password required", http.StatusUnauthorized)
	ErrInvalidPassword    = NewErr("INVALID_PASSWORD", "invalid password", http.StatusUnauthorized)
	ErrUnauthorized       = NewErr("UNAUTHORIZED", "unauthorized", http.StatusUnauthorized)
	ErrInvalidCredentials = NewErr("INVALID_CREDENTIALS", "invalid credentials", http.StatusUnauthorized)
	ErrUsernameTaken      = NewErr("USERNAME_TAKEN", "username already exists", http.StatusBadRequest)
	ErrUserNotFound       = NewErr("USER_NOT_FOUND", "user not found", http.StatusNotFound)
	ErrRateLimitExceeded  = NewErr("RATE_LIMIT_EXCEEDED", "too many requests, please try again later", http.StatusTooManyRequests)
	ErrIDGenerationFailed = NewErr("ID_GENERATION_FAILED", "failed to generate a unique id", http.StatusInternalServerError)
	ErrDuplicateID        = NewErr("DUPLICATE_ID", "paste id already exists", http.StatusInternalServerError)
	ErrStorage            = NewErr("STORAGE_ERROR", "storage error", http.StatusInternalServerError)
	ErrInternalServer     = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
	ErrServiceNotReady    = NewErr("SERVICE_NOT_READY", "service not ready", http.StatusServiceUnavailable)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

// ErrResp is the JSON body of every failed API call.
type ErrResp struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Success   bool   `json:"success"`
	RequestID string `json:"request_id,omitempty"`
}

func asErr(err error) (*Err, bool) {
	var e *Err
	if errors.As(err, &e) {
		return e, true
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e, true
	}
	return nil, false
}
func ToResp(err error) ErrResp {
	if e, ok := asErr(err); ok {
		return ErrResp{Error: e.Msg, Code: e.Code}
	}
	return ErrResp{Error: ErrInternalServer.Msg, Code: ErrInternalServer.Code}
}
func Status(err error) int {
	if e, ok := asErr(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
