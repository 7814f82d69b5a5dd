package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.io/infrasutra/voxdesk/internal/auth"
	"github.io/infrasutra/voxdesk/internal/config"
	"github.io/infrasutra/voxdesk/internal/dispatch"
	"github.io/infrasutra/voxdesk/internal/gemini"
	"github.io/infrasutra/voxdesk/internal/store"
	"github.io/infrasutra/voxdesk/internal/token"
)

type fixture struct {
	server      *Server
	store       *store.Store
	auth        *auth.Manager
	cfg         config.Config
	modelOutput string
	modelStatus int
	modelMu     sync.Mutex

	googleMu    sync.Mutex
	taskTitles  []string
	googleCalls int
}

func (f *fixture) setModel(output string, status int) {
	f.modelMu.Lock()
	defer f.modelMu.Unlock()
	f.modelOutput = output
	f.modelStatus = status
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{modelStatus: http.StatusOK}

	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:", time.Hour)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	authManager, err := auth.New("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("init auth: %v", err)
	}

	modelSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.modelMu.Lock()
		output, status := f.modelOutput, f.modelStatus
		f.modelMu.Unlock()
		if status != http.StatusOK {
			http.Error(w, `{"error":{"message":"model down"}}`, status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]any{{"text": output}}}},
			},
		})
	}))
	t.Cleanup(modelSrv.Close)

	googleSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.googleMu.Lock()
		f.googleCalls++
		f.googleMu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/tasks/v1/lists/@default/tasks":
			var body struct {
				Title string `json:"title"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.googleMu.Lock()
			f.taskTitles = append(f.taskTitles, body.Title)
			f.googleMu.Unlock()
			_, _ = w.Write([]byte(`{"id":"task-1","title":"` + body.Title + `"}`))
		case "/calendars/primary/events":
			_, _ = w.Write([]byte(`{"id":"event-1"}`))
		case "/gmail/v1/users/me/drafts":
			_, _ = w.Write([]byte(`{"id":"draft-1"}`))
		default:
			t.Errorf("unexpected google path: %s", r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(googleSrv.Close)

	exchangeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse exchange form: %v", err)
		}
		if code := r.Form.Get("code"); code != "" && code != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"exchanged-access","refresh_token":"exchanged-refresh","token_type":"Bearer","expires_in":3600}`))
	}))
	t.Cleanup(exchangeSrv.Close)

	cfg := config.Config{
		SessionTTL:     time.Hour,
		AllowedOrigin:  "http://localhost:5173",
		AuthSuccessURL: "http://frontend.example/oauth-success",
		AuthFailureURL: "http://frontend.example/oauth-failure",
	}
	oauthCfg := &oauth2.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "http://backend.example/oauth2callback",
		Scopes:       []string{"https://www.googleapis.com/auth/tasks"},
		Endpoint: oauth2.Endpoint{
			AuthURL:   "https://accounts.example.com/o/oauth2/auth",
			TokenURL:  exchangeSrv.URL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tokens := token.NewManager(st, oauthCfg, logger)
	model := gemini.NewClient(gemini.Config{APIKey: "k", Endpoint: modelSrv.URL, Model: "gemini-2.0-flash", Timeout: 2 * time.Second})
	dispatcher := dispatch.New(logger, option.WithEndpoint(googleSrv.URL))

	f.server = NewServer(cfg, st, authManager, tokens, model, dispatcher, oauthCfg, logger)
	f.store = st
	f.auth = authManager
	f.cfg = cfg
	return f
}

func (f *fixture) sessionCookie(t *testing.T) (string, *http.Cookie) {
	t.Helper()
	sessionID, cookieToken, err := f.auth.Issue(time.Now())
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return sessionID, &http.Cookie{Name: f.auth.CookieName(), Value: cookieToken}
}

func (f *fixture) putCredential(t *testing.T, sessionID string) {
	t.Helper()
	err := f.store.Put(context.Background(), sessionID, store.Credential{
		AccessToken:  "stored-access",
		RefreshToken: "stored-refresh",
		Expiry:       time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("put credential: %v", err)
	}
}

func audioRequest(t *testing.T, target string, cookie *http.Cookie) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("audio", "clip.webm")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write([]byte("fake-webm-bytes")); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if cookie != nil {
		req.AddCookie(cookie)
	}
	return req
}

func TestTranscribeEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.setModel("Reply: hi\n{\"tasks\":[{\"title\":\"Buy milk\"}],\"events\":[],\"maillist\":[]}", http.StatusOK)

	sessionID, cookie := f.sessionCookie(t)
	f.putCredential(t, sessionID)

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, audioRequest(t, "/transcribe", cookie))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		ReplyText string `json:"replyText"`
		Result    struct {
			Tasks []struct {
				Title string `json:"title"`
			} `json:"tasks"`
			Events   []any `json:"events"`
			Maillist []any `json:"maillist"`
		} `json:"result"`
		Outcomes []struct {
			Kind   string `json:"kind"`
			Ref    string `json:"ref"`
			Status string `json:"status"`
			Detail string `json:"detail"`
		} `json:"outcomes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ReplyText != "Reply: hi" {
		t.Fatalf("unexpected reply: %q", resp.ReplyText)
	}
	if len(resp.Result.Tasks) != 1 || resp.Result.Tasks[0].Title != "Buy milk" {
		t.Fatalf("unexpected result tasks: %+v", resp.Result.Tasks)
	}
	if len(resp.Result.Events) != 0 || len(resp.Result.Maillist) != 0 {
		t.Fatalf("expected empty events and maillist, got %+v", resp.Result)
	}
	if len(resp.Outcomes) != 1 || resp.Outcomes[0].Status != "succeeded" || resp.Outcomes[0].Ref != "Buy milk" {
		t.Fatalf("unexpected outcomes: %+v", resp.Outcomes)
	}

	f.googleMu.Lock()
	defer f.googleMu.Unlock()
	if len(f.taskTitles) != 1 || f.taskTitles[0] != "Buy milk" {
		t.Fatalf("expected exactly one task creation with Buy milk, got %v", f.taskTitles)
	}
	if f.googleCalls != 1 {
		t.Fatalf("expected exactly one provider call, got %d", f.googleCalls)
	}
}

func TestTranscribeWithoutSession(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, audioRequest(t, "/transcribe", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestTranscribeWithoutCredential(t *testing.T) {
	f := newFixture(t)
	_, cookie := f.sessionCookie(t)

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, audioRequest(t, "/transcribe", cookie))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "OAuth tokens not found") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestTranscribeWithoutAudio(t *testing.T) {
	f := newFixture(t)
	sessionID, cookie := f.sessionCookie(t)
	f.putCredential(t, sessionID)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("note", "no audio field")
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/transcribe", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.AddCookie(cookie)

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "no audio file uploaded") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestTranscribeModelFailure(t *testing.T) {
	f := newFixture(t)
	f.setModel("", http.StatusInternalServerError)
	sessionID, cookie := f.sessionCookie(t)
	f.putCredential(t, sessionID)

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, audioRequest(t, "/transcribe", cookie))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestTranscribeDegradedParseKeepsReply(t *testing.T) {
	f := newFixture(t)
	f.setModel("Reply: noted.\n{definitely not json", http.StatusOK)
	sessionID, cookie := f.sessionCookie(t)
	f.putCredential(t, sessionID)

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, audioRequest(t, "/transcribe", cookie))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for degraded parse, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		ReplyText string `json:"replyText"`
		Outcomes  []any  `json:"outcomes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ReplyText != "Reply: noted." {
		t.Fatalf("unexpected reply: %q", resp.ReplyText)
	}
	if len(resp.Outcomes) != 0 {
		t.Fatalf("expected no outcomes for empty intent, got %+v", resp.Outcomes)
	}
}

func TestAuthRedirectIssuesSessionAndState(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}

	var sessionCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == f.auth.CookieName() {
			sessionCookie = c
		}
	}
	if sessionCookie == nil {
		t.Fatal("expected session cookie to be issued")
	}
	sessionID, err := f.auth.Parse(sessionCookie.Value, time.Now())
	if err != nil {
		t.Fatalf("parse issued cookie: %v", err)
	}

	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect location: %v", err)
	}
	if !strings.HasPrefix(location.String(), "https://accounts.example.com/o/oauth2/auth") {
		t.Fatalf("unexpected consent URL: %s", location)
	}
	q := location.Query()
	if q.Get("access_type") != "offline" {
		t.Fatalf("expected offline access, got %q", q.Get("access_type"))
	}
	if q.Get("client_id") != "client-id" {
		t.Fatalf("unexpected client id: %q", q.Get("client_id"))
	}
	if !f.auth.VerifyState(sessionID, q.Get("state")) {
		t.Fatal("state must be bound to the issued session")
	}
	if !strings.Contains(q.Get("scope"), "tasks") {
		t.Fatalf("expected tasks scope, got %q", q.Get("scope"))
	}
}

func TestOAuthCallbackStoresCredential(t *testing.T) {
	f := newFixture(t)
	sessionID, cookie := f.sessionCookie(t)

	target := "/oauth2callback?code=good-code&state=" + url.QueryEscape(f.auth.State(sessionID))
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.AddCookie(cookie)

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != f.cfg.AuthSuccessURL {
		t.Fatalf("expected success redirect, got %q", got)
	}

	cred, err := f.store.Get(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("expected stored credential: %v", err)
	}
	if cred.AccessToken != "exchanged-access" || cred.RefreshToken != "exchanged-refresh" {
		t.Fatalf("unexpected credential: %+v", cred)
	}
}

func TestOAuthCallbackMissingCode(t *testing.T) {
	f := newFixture(t)
	sessionID, cookie := f.sessionCookie(t)

	req := httptest.NewRequest(http.MethodGet, "/oauth2callback?state="+url.QueryEscape(f.auth.State(sessionID)), nil)
	req.AddCookie(cookie)

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != f.cfg.AuthFailureURL {
		t.Fatalf("expected failure redirect, got %q", got)
	}
}

func TestOAuthCallbackBadState(t *testing.T) {
	f := newFixture(t)
	_, cookie := f.sessionCookie(t)

	req := httptest.NewRequest(http.MethodGet, "/oauth2callback?code=good-code&state=forged", nil)
	req.AddCookie(cookie)

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if got := rec.Header().Get("Location"); got != f.cfg.AuthFailureURL {
		t.Fatalf("expected failure redirect, got %q", got)
	}
}

func TestOAuthCallbackExchangeRejected(t *testing.T) {
	f := newFixture(t)
	sessionID, cookie := f.sessionCookie(t)

	target := "/oauth2callback?code=bad-code&state=" + url.QueryEscape(f.auth.State(sessionID))
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.AddCookie(cookie)

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if got := rec.Header().Get("Location"); got != f.cfg.AuthFailureURL {
		t.Fatalf("expected failure redirect, got %q", got)
	}
	if _, err := f.store.Get(context.Background(), sessionID); err == nil {
		t.Fatal("no credential should be stored on exchange failure")
	}
}

func TestOAuthCallbackWithoutSession(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/oauth2callback?code=good-code&state=x", nil)

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if got := rec.Header().Get("Location"); got != f.cfg.AuthFailureURL {
		t.Fatalf("expected failure redirect, got %q", got)
	}
}

func TestChat(t *testing.T) {
	f := newFixture(t)
	f.setModel("hello back", http.StatusOK)

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"hello"}`))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Reply string `json:"reply"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Reply != "hello back" {
		t.Fatalf("unexpected reply: %q", resp.Reply)
	}
}

func TestChatEmptyMessage(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":""}`))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/health", "/ready"} {
		rec := httptest.NewRecorder()
		f.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestTranscribeRefreshFlow(t *testing.T) {
	f := newFixture(t)
	f.setModel("Reply: ok\n{\"tasks\":[],\"events\":[],\"maillist\":[]}", http.StatusOK)
	sessionID, cookie := f.sessionCookie(t)

	// Expired credential: the pipeline must refresh through the fake token
	// endpoint and still answer 200.
	err := f.store.Put(context.Background(), sessionID, store.Credential{
		AccessToken:  "stale",
		RefreshToken: "stored-refresh",
		Expiry:       time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("put credential: %v", err)
	}

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, audioRequest(t, "/transcribe", cookie))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after refresh, got %d: %s", rec.Code, rec.Body.String())
	}

	cred, err := f.store.Get(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("get refreshed credential: %v", err)
	}
	if cred.AccessToken != "exchanged-access" {
		t.Fatalf("expected refreshed credential persisted, got %q", cred.AccessToken)
	}
}
