package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/shop-connector/internal/auth"
	"github.com/alexjbarnes/shop-connector/internal/connect"
	apperrors "github.com/alexjbarnes/shop-connector/internal/errors"
)

// maxRequestBody caps JSON request bodies.
const maxRequestBody = 1 << 20

// handlers serves the /connect/tiktok endpoints over a connect.Service.
type handlers struct {
	svc          *connect.Service
	stats        StoreStats
	cookieName   string
	secureCookie bool
	logger       *slog.Logger
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeInternalError(w http.ResponseWriter, requestID string) {
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error":     "Internal server error",
		"requestId": requestID,
	})
}

// writeError maps err to a status code. Only validation and forbidden
// messages reach the client; everything else is logged and reported
// generically with the request id.
func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := RequestID(r.Context())

	switch {
	case errors.Is(err, apperrors.ErrValidation):
		writeJSONError(w, http.StatusBadRequest, apperrors.PublicMessage(err, "Bad request"))
	case errors.Is(err, apperrors.ErrForbidden):
		writeJSONError(w, http.StatusForbidden, apperrors.PublicMessage(err, "Forbidden"))
	case errors.Is(err, apperrors.ErrUpstream):
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":     "Authorization server request failed",
			"requestId": requestID,
		})
	default:
		h.logger.Error("request failed",
			slog.String("request_id", requestID),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		writeInternalError(w, requestID)
	}
}

// start handles GET /connect/tiktok/start?install_id=.
func (h *handlers) start(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Start(r.URL.Query().Get("install_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	http.SetCookie(w, auth.StateCookie(h.cookieName, res.Cookie, h.svc.StateTTL(), h.secureCookie))
	http.Redirect(w, r, res.AuthorizationURL, http.StatusFound)
}

// callback handles GET /connect/tiktok/callback?code=&state=.
func (h *handlers) callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var cookie string

	if c, err := r.Cookie(h.cookieName); err == nil {
		// An undecodable value is passed through and fails verification.
		cookie, err = auth.StateCookieValue(c)
		if err != nil {
			cookie = c.Value
		}

		// A state cookie is single use whatever the outcome.
		http.SetCookie(w, auth.ClearStateCookie(h.cookieName, h.secureCookie))
	}

	res, err := h.svc.Callback(r.Context(), q.Get("code"), q.Get("state"), cookie)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	http.Redirect(w, r, res.RedirectURL, http.StatusFound)
}

type installRequest struct {
	InstallID string `json:"installId"`
}

func (h *handlers) decodeInstallRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req installRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return "", false
		}

		writeJSONError(w, http.StatusBadRequest, "Missing required field: installId")

		return "", false
	}

	return req.InstallID, true
}

// disconnect handles POST /connect/tiktok/disconnect with {installId}.
func (h *handlers) disconnect(w http.ResponseWriter, r *http.Request) {
	installID, ok := h.decodeInstallRequest(w, r)
	if !ok {
		return
	}

	deleted, err := h.svc.Disconnect(r.Context(), installID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true, "deleted": deleted})
}

// status handles GET /connect/tiktok/status?install_id=. The response
// carries the connected flag and nothing else.
func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	connected, err := h.svc.Status(r.Context(), r.URL.Query().Get("install_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"connected": connected})
}

// refresh handles POST /connect/tiktok/refresh with {installId}.
func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	installID, ok := h.decodeInstallRequest(w, r)
	if !ok {
		return
	}

	refreshed, err := h.svc.Refresh(r.Context(), installID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true, "refreshed": refreshed})
}

// health handles GET /healthz. decryptFailures counts stored records that
// could not be opened since startup, which points at a rotated key or a
// corrupt row.
func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if h.stats != nil {
		body["decryptFailures"] = h.stats.DecryptFailures()
	}

	writeJSON(w, http.StatusOK, body)
}
