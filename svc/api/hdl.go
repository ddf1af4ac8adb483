package api

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"psst/pkg/domain"
	"psst/svc/util"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

const (
	// JSON escaping can double a body, plus room for the other fields.
	maxCreateBody = 2*domain.MaxStoredSize + 64*1024
	maxAuthBody   = 8 * 1024
)

type Pastes interface {
	Create(ctx context.Context, params domain.CreateParams, ownerID string) (string, error)
	Get(ctx context.Context, id, password, requesterID string) (*domain.Snapshot, error)
	RawURL(ctx context.Context, id, requesterID string) (string, error)
}

type Accounts interface {
	Register(ctx context.Context, username, password string) (string, error)
	Login(ctx context.Context, username, password string) (string, error)
}

// BlobServer serves presigned reads for the filesystem blob backend.
type BlobServer interface {
	Verify(key, expires, sig string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

type Hdl struct {
	paste    Pastes
	accounts Accounts
	blobs    BlobServer
}

type CreateReq struct {
	Title          string  `json:"title"`
	Content        string  `json:"content"`
	Tags           string  `json:"tags"`
	Visibility     string  `json:"visibility"`
	ExpirationTime *string `json:"expirationTime,omitempty"`
	IsSecured      bool    `json:"isSecured"`
	Password       string  `json:"password,omitempty"`
}

type CreateResp struct {
	PasteID string `json:"pasteId"`
}

type CredentialsReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResp struct {
	Token string `json:"token"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst interface{}) error {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return errors.Wrap(domain.ErrInvalidRequest, "expected Content-Type: application/json")
	}
	if r.ContentLength > limit {
		return domain.ErrPasteTooLarge
	}
	if r.Header.Get("Content-Encoding") != "" {
		return errors.Wrap(domain.ErrInvalidRequest, "compressed bodies are not accepted")
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domain.ErrPasteTooLarge
		}
		if err == io.EOF {
			return errors.Wrap(domain.ErrInvalidRequest, "empty body")
		}
		return errors.Wrap(domain.ErrInvalidRequest, err.Error())
	}
	return nil
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	var req CreateReq
	if err := decodeJSON(w, r, maxCreateBody, &req); err != nil {
		log.Warn().Err(err).Msg("invalid create request")
		writeErr(w, r, err)
		return
	}
	params := domain.CreateParams{
		Title:      req.Title,
		Content:    req.Content,
		Tags:       req.Tags,
		Visibility: domain.Visibility(req.Visibility),
		IsSecured:  req.IsSecured,
		Password:   req.Password,
	}
	if req.ExpirationTime != nil && *req.ExpirationTime != "" {
		exp, err := time.Parse(time.RFC3339, *req.ExpirationTime)
		if err != nil {
			writeErr(w, r, errors.Wrap(domain.ErrInvalidRequest, "expirationTime must be RFC3339"))
			return
		}
		exp = exp.UTC()
		params.ExpiresAt = &exp
	}
	id, err := h.paste.Create(r.Context(), params, requesterID(r))
	if err != nil {
		log.Warn().Err(err).Msg("create paste failed")
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateResp{PasteID: id})
}

func readPassword(r *http.Request) string {
	if pw := r.URL.Query().Get("password"); pw != "" {
		return pw
	}
	return r.Header.Get("X-Paste-Password")
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	id := chi.URLParam(r, "id")
	snap, err := h.paste.Get(r.Context(), id, readPassword(r), requesterID(r))
	if err != nil {
		if errors.Is(err, domain.ErrInvalidPassword) {
			log.Warn().
				Str("paste_id", id).
				Str("client_ip", util.RedactIP(r.RemoteAddr)).
				Msg("failed password attempt")
		}
		writeErr(w, r, err)
		return
	}
	json.NewEncoder(w).Encode(snap)
}

func (h *Hdl) RawPaste(w http.ResponseWriter, r *http.Request) {
	url, err := h.paste.RawURL(r.Context(), chi.URLParam(r, "id"), requesterID(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (h *Hdl) Register(w http.ResponseWriter, r *http.Request) {
	var req CredentialsReq
	if err := decodeJSON(w, r, maxAuthBody, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	token, err := h.accounts.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(TokenResp{Token: token})
}

func (h *Hdl) Login(w http.ResponseWriter, r *http.Request) {
	var req CredentialsReq
	if err := decodeJSON(w, r, maxAuthBody, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	token, err := h.accounts.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidCredentials) {
			hlog.FromRequest(r).Warn().
				Str("client_ip", util.RedactIP(r.RemoteAddr)).
				Msg("failed login")
		}
		writeErr(w, r, err)
		return
	}
	json.NewEncoder(w).Encode(TokenResp{Token: token})
}

// GetBlob serves a body from the filesystem backend to holders of a
// presigned URL.
func (h *Hdl) GetBlob(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	q := r.URL.Query()
	if err := h.blobs.Verify(key, q.Get("expires"), q.Get("sig")); err != nil {
		writeErr(w, r, err)
		return
	}
	body, err := h.blobs.Get(r.Context(), key)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "private, max-age=60")
	w.Write(body)
}

// writeErr renders err as the standard error body. Messages of 5xx errors
// other than 503 are masked.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := domain.Status(err)
	resp := domain.ToResp(err)
	resp.RequestID = util.GetRequestID(r.Context())
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		util.Ctx(r.Context()).Error().Err(err).Str("code", resp.Code).Msg("request failed")
		resp.Error = domain.ErrInternalServer.Msg
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
