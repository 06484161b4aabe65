// Package api is the thin HTTP glue spec.md §1 explicitly excludes from
// the core's scope ("HTTP router, handler wiring ... thin glue"): it
// wires the core's components onto the HTTP surface in §6 without adding
// its own policy. Grounded on the teacher's pkg/api.Handler()/net/http
// ServeMux style.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"coldproxy/pkg/coreerrors"
	"coldproxy/pkg/encryptor"
	"coldproxy/pkg/httpx"
	"coldproxy/pkg/ratelimit"
	"coldproxy/pkg/session"
	"coldproxy/pkg/setup"
	"coldproxy/pkg/unlock"
)

const sessionCookieName = "session_id"

// KillSwitch reports whether the kill switch is currently enabled. It is
// a function rather than a bool so the host can back it with a live
// config reload.
type KillSwitch func() bool

// Server wires the Confidential Storage Core's components onto the HTTP
// surface spec.md §6 describes. There is no process-wide singleton: the
// host constructs one Server and passes it its dependencies explicitly.
type Server struct {
	Unlock     *unlock.Service
	Setup      *setup.Service
	Encryptor  *encryptor.Encryptor
	Sessions   *session.Store
	UnlockRL   *ratelimit.IPLimiter
	ExportRL   *ratelimit.IPLimiter
	KillSwitch KillSwitch
}

// Mux builds the net/http handler for every path in spec.md §6.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/unlock/pin", s.handleUnlockPIN)
	mux.HandleFunc("/unlock/webauthn/challenge", s.handleWebAuthnChallenge)
	mux.HandleFunc("/unlock/webauthn/finish", s.handleWebAuthnFinish)
	mux.HandleFunc("/api/admin/kill-switch", s.handleKillSwitch)
	mux.HandleFunc("/export", s.handleExport)
	mux.HandleFunc("/rotate-key", s.handleRotateKey)
	mux.HandleFunc("/decrypt/", s.handleDecrypt)
	return mux
}

func (s *Server) killSwitchEnabled() bool {
	return s.KillSwitch != nil && s.KillSwitch()
}

func (s *Server) sessionToken(r *http.Request) string {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func (s *Server) handleUnlockPIN(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.JSONError(w, http.StatusMethodNotAllowed, coreerrors.KindInvalidRequest.Code())
		return
	}
	if s.killSwitchEnabled() {
		httpx.JSONError(w, http.StatusServiceUnavailable, coreerrors.KindServiceUnavailable.Code())
		return
	}
	if !s.UnlockRL.Allow(ratelimit.ClientKey(r)) {
		httpx.JSONError(w, http.StatusTooManyRequests, coreerrors.KindRateLimited.Code())
		return
	}

	var req struct {
		UserID string `json:"userId"`
		PIN    string `json:"pin"`
	}
	if err := decodeJSON(r, &req); err != nil || req.UserID == "" {
		httpx.JSONError(w, http.StatusBadRequest, coreerrors.KindInvalidRequest.Code())
		return
	}

	ok, err := s.Unlock.UnlockWithPIN(r.Context(), req.UserID, req.PIN)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if ok {
		token, serr := s.Sessions.Save(s.sessionToken(r), session.Record{UserID: req.UserID})
		if serr == nil {
			s.setSessionCookie(w, token)
		}
	}
	_ = httpx.JSONWrite(w, http.StatusOK, map[string]bool{"success": ok})
}

func (s *Server) handleWebAuthnChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.JSONError(w, http.StatusMethodNotAllowed, coreerrors.KindInvalidRequest.Code())
		return
	}
	if s.killSwitchEnabled() {
		httpx.JSONError(w, http.StatusServiceUnavailable, coreerrors.KindServiceUnavailable.Code())
		return
	}
	var req struct {
		UserID string `json:"userId"`
	}
	if err := decodeJSON(r, &req); err != nil || req.UserID == "" {
		httpx.JSONError(w, http.StatusBadRequest, coreerrors.KindInvalidRequest.Code())
		return
	}

	challenge, allowIDs, err := s.Unlock.GenerateWebAuthnChallenge(req.UserID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	token, _ := s.Sessions.Save(s.sessionToken(r), session.Record{UserID: req.UserID, Challenge: challenge})
	s.setSessionCookie(w, token)

	_ = httpx.JSONWrite(w, http.StatusOK, map[string]interface{}{
		"options": map[string]interface{}{
			"challenge":        challenge,
			"allowCredentials": allowIDs,
			"userVerification": "required",
		},
	})
}

func (s *Server) handleWebAuthnFinish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.JSONError(w, http.StatusMethodNotAllowed, coreerrors.KindInvalidRequest.Code())
		return
	}
	if s.killSwitchEnabled() {
		httpx.JSONError(w, http.StatusServiceUnavailable, coreerrors.KindServiceUnavailable.Code())
		return
	}
	if !s.UnlockRL.Allow(ratelimit.ClientKey(r)) {
		httpx.JSONError(w, http.StatusTooManyRequests, coreerrors.KindRateLimited.Code())
		return
	}

	var req struct {
		UserID            string `json:"userId"`
		AssertionResponse struct {
			ID             string `json:"id"`
			ClientDataJSON string `json:"clientDataJSON"`
			Signature      string `json:"signature"`
			Raw            json.RawMessage `json:"raw"`
		} `json:"assertionResponse"`
	}
	if err := decodeJSON(r, &req); err != nil || req.UserID == "" {
		httpx.JSONError(w, http.StatusBadRequest, coreerrors.KindInvalidRequest.Code())
		return
	}

	token := s.sessionToken(r)
	sess, _ := s.Sessions.Get(token)

	ok, err := s.Unlock.UnlockWithWebAuthn(req.UserID, unlock.WebAuthnAssertion{
		CredentialID:   req.AssertionResponse.ID,
		ClientDataJSON: []byte(req.AssertionResponse.ClientDataJSON),
		SignatureB64:   req.AssertionResponse.Signature,
		RawResponse:    req.AssertionResponse.Raw,
	}, sess.Challenge)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if ok {
		sess.UserID = req.UserID
		sess.LastUVAt = time.Now()
		newToken, serr := s.Sessions.Save(token, sess)
		if serr == nil {
			s.setSessionCookie(w, newToken)
		}
	}
	_ = httpx.JSONWrite(w, http.StatusOK, map[string]bool{"success": ok})
}

func (s *Server) requireFreshSession(w http.ResponseWriter, r *http.Request) (session.Record, bool) {
	sess, err := s.Sessions.Get(s.sessionToken(r))
	if err != nil {
		httpx.WriteError(w, coreerrors.ErrForbidden)
		return session.Record{}, false
	}
	if err := session.RequireFreshWebAuthn(sess, time.Now()); err != nil {
		httpx.WriteError(w, err)
		return session.Record{}, false
	}
	return sess, true
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.JSONError(w, http.StatusMethodNotAllowed, coreerrors.KindInvalidRequest.Code())
		return
	}
	if _, ok := s.requireFreshSession(w, r); !ok {
		return
	}
	// The host owns the actual kill-switch flag (spec.md §1 excludes
	// "the kill-switch flag" from the core); this endpoint only exists so
	// the HTTP surface matches §6. Toggling is left to the host's config
	// reload path.
	_ = httpx.JSONWrite(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.JSONError(w, http.StatusMethodNotAllowed, coreerrors.KindInvalidRequest.Code())
		return
	}
	if s.killSwitchEnabled() {
		httpx.JSONError(w, http.StatusServiceUnavailable, coreerrors.KindServiceUnavailable.Code())
		return
	}
	if !s.ExportRL.Allow(ratelimit.ClientKey(r)) {
		httpx.JSONError(w, http.StatusTooManyRequests, coreerrors.KindRateLimited.Code())
		return
	}
	sess, ok := s.requireFreshSession(w, r)
	if !ok {
		return
	}
	dek, err := s.Unlock.GetDecryptedDEK(sess.UserID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	defer zeroizeLocal(dek)
	// The actual export enumeration (listing/decrypting every interaction
	// for sess.UserID) belongs to the excluded host-side dashboard; this
	// handler only demonstrates that DEK materialization succeeds.
	_ = httpx.JSONWrite(w, http.StatusOK, map[string]bool{"ready": true})
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.JSONError(w, http.StatusMethodNotAllowed, coreerrors.KindInvalidRequest.Code())
		return
	}
	if s.killSwitchEnabled() {
		httpx.JSONError(w, http.StatusServiceUnavailable, coreerrors.KindServiceUnavailable.Code())
		return
	}
	if _, ok := s.requireFreshSession(w, r); !ok {
		return
	}
	// Rotation requires both the current MK and the PIN/WebAuthn KEKs,
	// none of which this thin handler has direct access to (they live
	// behind the Unlock Service's cache and are never exposed over HTTP);
	// a full implementation threads a short-lived re-auth step here.
	httpx.JSONError(w, http.StatusNotImplemented, coreerrors.KindInvalidRequest.Code())
}

func (s *Server) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.JSONError(w, http.StatusMethodNotAllowed, coreerrors.KindInvalidRequest.Code())
		return
	}
	if s.killSwitchEnabled() {
		httpx.JSONError(w, http.StatusServiceUnavailable, coreerrors.KindServiceUnavailable.Code())
		return
	}
	id := r.URL.Path[len("/decrypt/"):]
	if id == "" {
		httpx.JSONError(w, http.StatusBadRequest, coreerrors.KindInvalidRequest.Code())
		return
	}
	sess, err := s.Sessions.Get(s.sessionToken(r))
	if err != nil {
		httpx.WriteError(w, coreerrors.ErrLocked)
		return
	}
	plaintext, err := s.Encryptor.Decrypt(id, sess.UserID)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(plaintext)
}

func zeroizeLocal(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
