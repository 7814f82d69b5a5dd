package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"golang.org/x/oauth2"

	"github.io/infrasutra/voxdesk/internal/auth"
	"github.io/infrasutra/voxdesk/internal/config"
	"github.io/infrasutra/voxdesk/internal/dispatch"
	"github.io/infrasutra/voxdesk/internal/gemini"
	"github.io/infrasutra/voxdesk/internal/store"
	"github.io/infrasutra/voxdesk/internal/token"
)

const maxUploadBytes = 25 << 20

type Server struct {
	cfg        config.Config
	store      *store.Store
	auth       *auth.Manager
	tokens     *token.Manager
	model      *gemini.Client
	dispatcher *dispatch.Dispatcher
	oauth      *oauth2.Config
	logger     *slog.Logger
	router     chi.Router
}

func NewServer(
	cfg config.Config,
	st *store.Store,
	authManager *auth.Manager,
	tokens *token.Manager,
	model *gemini.Client,
	dispatcher *dispatch.Dispatcher,
	oauthCfg *oauth2.Config,
	logger *slog.Logger,
) *Server {
	s := &Server{
		cfg:        cfg,
		store:      st,
		auth:       authManager,
		tokens:     tokens,
		model:      model,
		dispatcher: dispatcher,
		oauth:      oauthCfg,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.AllowedOrigin},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/auth", s.handleAuth)
	r.Get("/oauth2callback", s.handleOAuthCallback)
	r.Post("/audio/transcribe", s.handleTranscribe)
	r.Post("/transcribe", s.handleTranscribe)
	r.Post("/chat", s.handleChat)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleAuth redirects to the Google consent screen. A session cookie is
// issued here so the callback can key the credential, and the OAuth state is
// bound to that session.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	sessionID, err := s.sessionID(r)
	if err != nil {
		var cookieToken string
		sessionID, cookieToken, err = s.auth.Issue(now)
		if err != nil {
			s.logger.Error("issue session", "error", err)
			http.Error(w, "unable to create session", http.StatusInternalServerError)
			return
		}
		s.setSessionCookie(w, cookieToken, now)
	}
	url := s.oauth.AuthCodeURL(s.auth.State(sessionID), oauth2.AccessTypeOffline)
	http.Redirect(w, r, url, http.StatusFound)
}

// handleOAuthCallback exchanges the authorization code and stores the
// resulting credential keyed by the session id. Every failure redirects to the
// configured failure destination rather than rendering an error page.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	sessionID, err := s.sessionID(r)
	if err != nil {
		s.logger.Warn("oauth callback without session", "error", err)
		http.Redirect(w, r, s.cfg.AuthFailureURL, http.StatusFound)
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		s.logger.Warn("oauth callback without code", "session", sessionID)
		http.Redirect(w, r, s.cfg.AuthFailureURL, http.StatusFound)
		return
	}
	if !s.auth.VerifyState(sessionID, r.URL.Query().Get("state")) {
		s.logger.Warn("oauth callback state mismatch", "session", sessionID)
		http.Redirect(w, r, s.cfg.AuthFailureURL, http.StatusFound)
		return
	}

	tok, err := s.oauth.Exchange(r.Context(), code)
	if err != nil {
		s.logger.Error("exchange authorization code", "session", sessionID, "error", err)
		http.Redirect(w, r, s.cfg.AuthFailureURL, http.StatusFound)
		return
	}
	cred := store.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if err := s.store.Put(r.Context(), sessionID, cred); err != nil {
		s.logger.Error("store credential", "session", sessionID, "error", err)
		http.Redirect(w, r, s.cfg.AuthFailureURL, http.StatusFound)
		return
	}
	s.logger.Info("credential stored", "session", sessionID, "expiry", tok.Expiry)
	http.Redirect(w, r, s.cfg.AuthSuccessURL, http.StatusFound)
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	sessionID, err := s.sessionID(r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, "user not authenticated")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("audio")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "no audio file uploaded")
		return
	}
	defer file.Close()
	audio, err := io.ReadAll(file)
	if err != nil || len(audio) == 0 {
		s.respondError(w, http.StatusBadRequest, "no audio file uploaded")
		return
	}
	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "audio/webm"
	}

	result, err := s.runPipeline(r.Context(), sessionID, audio, mimeType)
	if err != nil {
		var perr *pipelineError
		if errors.As(err, &perr) {
			s.respondError(w, perr.status, perr.message)
			return
		}
		s.respondError(w, http.StatusInternalServerError, "transcription failed")
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

// handleChat is plain text in, model text out; no credential involved.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if payload.Message == "" {
		s.respondError(w, http.StatusBadRequest, "message is required")
		return
	}
	reply, err := s.model.GenerateFromText(r.Context(), payload.Message)
	if err != nil {
		s.logger.Error("chat generate", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to get response from model")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

func (s *Server) sessionID(r *http.Request) (string, error) {
	cookie, err := r.Cookie(s.auth.CookieName())
	if err != nil {
		return "", errors.New("missing session")
	}
	return s.auth.Parse(cookie.Value, time.Now())
}

func (s *Server) setSessionCookie(w http.ResponseWriter, value string, now time.Time) {
	maxAge := int(s.auth.MaxAge().Seconds())
	http.SetCookie(w, &http.Cookie{
		Name:     s.auth.CookieName(),
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		Expires:  now.Add(s.auth.MaxAge()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondText(w, http.StatusOK, "ok")
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	s.respondText(w, http.StatusOK, "ready")
}

func (s *Server) respondText(w http.ResponseWriter, status int, payload string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}
