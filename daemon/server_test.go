package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	knugget "github.com/mrinal-mann/Knugget-new"
	"github.com/mrinal-mann/Knugget-new/api"
	"github.com/mrinal-mann/Knugget-new/bus"
	"github.com/mrinal-mann/Knugget-new/core"
	"github.com/mrinal-mann/Knugget-new/store"
)

const allowedOrigin = "https://app.knugget.com"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testUser() core.User {
	return core.User{ID: "u1", Name: "Ada", Email: "ada@example.com", Credits: 5, Plan: core.PlanPremium}
}

func envelope(data string) string {
	return `{"success":true,"data":` + data + `}`
}

// jsonResponse builds a scripted backend response for a mock Handler.
func jsonResponse(status int, body string) (*http.Response, error) {
	return &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
	}, nil
}

// newTestServer builds a daemon server over a client wired to the given
// backend mock. With seeded=true the credential store holds a live
// session for Ada before hydration.
func newTestServer(t *testing.T, mock *api.MockHTTPClient, seeded bool) *Server {
	t.Helper()

	st := store.NewMemStore()
	if seeded {
		now := time.Now()
		rec := core.AuthRecord{
			AccessToken:  "tok-live",
			RefreshToken: "ref-live",
			User:         testUser(),
			ExpiresAt:    now.Add(time.Hour).UnixMilli(),
			LoginTime:    now.Add(-time.Hour).UnixMilli(),
		}
		if err := st.Save(context.Background(), rec); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}

	client, err := knugget.New(knugget.Config{
		BaseURL:        "https://api.test",
		Store:          st,
		HTTPClient:     mock,
		Retry:          core.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		AllowedOrigins: []string{allowedOrigin},
		Logger:         quietLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := client.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	server, err := NewServer(ServerConfig{Client: client, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	return server
}

func requestJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var payload []byte
	var err error
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("json.Marshal(body) error = %v", err)
		}
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apiErrorDetail {
	t.Helper()

	var payload apiErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal error response: %v; body=%s", err, rec.Body.String())
	}
	return payload.Error
}

func TestServerSessionLifecycle(t *testing.T) {
	mock := &api.MockHTTPClient{Handler: func(req *http.Request) (*http.Response, error) {
		// Only the best-effort server-side logout reaches the backend.
		if req.URL.Path != "/auth/logout" {
			t.Errorf("unexpected backend call: %s %s", req.Method, req.URL.Path)
		}
		return jsonResponse(http.StatusOK, envelope(`{}`))
	}}
	server := newTestServer(t, mock, true)
	handler := server.Handler()

	resp := requestJSON(t, handler, http.MethodGet, "/v1/session", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("GET /v1/session status = %d, want 200; body=%s", resp.Code, resp.Body.String())
	}
	var session sessionResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &session); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	if !session.Authenticated || session.User == nil || session.User.Email != "ada@example.com" {
		t.Fatalf("session = %+v, want authenticated Ada", session)
	}

	logoutResp := requestJSON(t, handler, http.MethodPost, "/v1/logout", nil)
	if logoutResp.Code != http.StatusNoContent {
		t.Fatalf("POST /v1/logout status = %d, want 204; body=%s", logoutResp.Code, logoutResp.Body.String())
	}

	// Signed out now, but the snapshot keeps the departed user for
	// frontends that render before their first round-trip.
	resp = requestJSON(t, handler, http.MethodGet, "/v1/session", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("GET /v1/session status = %d, want 200", resp.Code)
	}
	session = sessionResponse{}
	if err := json.Unmarshal(resp.Body.Bytes(), &session); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	if session.Authenticated || session.User != nil {
		t.Fatalf("session after logout = %+v, want signed out", session)
	}
	if session.LastKnown == nil || session.LastKnown.User.Name != "Ada" {
		t.Fatalf("lastKnown = %+v, want snapshot of Ada", session.LastKnown)
	}
	if session.LastKnown.Authenticated {
		t.Error("lastKnown.isAuthenticated = true after logout")
	}
}

func TestServerLogin(t *testing.T) {
	record := fmt.Sprintf(`{
		"accessToken": "tok-1",
		"refreshToken": "ref-1",
		"user": {"id":"u1","name":"Ada","email":"ada@example.com","credits":5,"plan":"premium"},
		"expiresAt": %d,
		"loginTime": %d
	}`, time.Now().Add(time.Hour).UnixMilli(), time.Now().UnixMilli())

	mock := &api.MockHTTPClient{Handler: func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/auth/signin" {
			t.Errorf("unexpected backend call: %s %s", req.Method, req.URL.Path)
		}
		return jsonResponse(http.StatusOK, envelope(record))
	}}
	server := newTestServer(t, mock, false)

	resp := requestJSON(t, server.Handler(), http.MethodPost, "/v1/login", map[string]string{
		"email":    "ada@example.com",
		"password": "hunter2",
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("POST /v1/login status = %d, want 200; body=%s", resp.Code, resp.Body.String())
	}
	var session sessionResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &session); err != nil {
		t.Fatalf("unmarshal login response: %v", err)
	}
	if !session.Authenticated || session.User == nil || session.User.ID != "u1" {
		t.Fatalf("login response = %+v, want authenticated u1", session)
	}
}

func TestServerLoginRejected(t *testing.T) {
	mock := &api.MockHTTPClient{Handler: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusUnauthorized, `{"success":false,"error":"bad credentials"}`)
	}}
	server := newTestServer(t, mock, false)

	resp := requestJSON(t, server.Handler(), http.MethodPost, "/v1/login", map[string]string{
		"email":    "ada@example.com",
		"password": "wrong",
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401; body=%s", resp.Code, resp.Body.String())
	}
	detail := decodeError(t, resp)
	if detail.Code != string(api.KindInvalidCredentials) {
		t.Errorf("error.code = %q, want %q", detail.Code, api.KindInvalidCredentials)
	}
	if detail.Message != "Incorrect email or password" {
		t.Errorf("error.message = %q, want the sign-in copy", detail.Message)
	}
}

func TestServerLoginInvalidJSON(t *testing.T) {
	server := newTestServer(t, api.NewMockHTTPClient(), false)

	req := httptest.NewRequest(http.MethodPost, "/v1/login", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if detail := decodeError(t, rec); detail.Code != "INVALID_JSON" {
		t.Errorf("error.code = %q, want INVALID_JSON", detail.Code)
	}
}

func TestServerRefresh(t *testing.T) {
	record := fmt.Sprintf(`{
		"accessToken": "tok-2",
		"refreshToken": "ref-2",
		"user": {"id":"u1","name":"Ada","email":"ada@example.com","credits":9,"plan":"premium"},
		"expiresAt": %d
	}`, time.Now().Add(2*time.Hour).UnixMilli())

	mock := &api.MockHTTPClient{Handler: func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/auth/refresh" {
			t.Errorf("unexpected backend call: %s %s", req.Method, req.URL.Path)
		}
		return jsonResponse(http.StatusOK, envelope(record))
	}}
	server := newTestServer(t, mock, true)

	resp := requestJSON(t, server.Handler(), http.MethodPost, "/v1/session/refresh", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("POST /v1/session/refresh status = %d, want 200; body=%s", resp.Code, resp.Body.String())
	}
	var session sessionResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &session); err != nil {
		t.Fatalf("unmarshal refresh response: %v", err)
	}
	if session.User == nil || session.User.Credits != 9 {
		t.Fatalf("refresh response = %+v, want credits 9", session)
	}
}

func TestServerRefreshSignedOut(t *testing.T) {
	server := newTestServer(t, api.NewMockHTTPClient(), false)

	resp := requestJSON(t, server.Handler(), http.MethodPost, "/v1/session/refresh", nil)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401; body=%s", resp.Code, resp.Body.String())
	}
	if detail := decodeError(t, resp); detail.Code != string(api.KindAuthRequired) {
		t.Errorf("error.code = %q, want %q", detail.Code, api.KindAuthRequired)
	}
}

func TestServerGenerateSummary(t *testing.T) {
	result := `{
		"summary": {
			"id": "s1",
			"videoId": "vid-1",
			"title": "Go Generics",
			"keyPoints": ["type parameters"],
			"fullSummary": "A tour of generics.",
			"videoMetadata": {"videoId":"vid-1","title":"Go Generics","channelName":"GopherCon","url":"https://youtube.com/watch?v=vid-1"}
		},
		"user": {"id":"u1","name":"Ada","email":"ada@example.com","credits":4,"plan":"premium"}
	}`

	mock := &api.MockHTTPClient{Handler: func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/summary/generate" {
			t.Errorf("unexpected backend call: %s %s", req.Method, req.URL.Path)
		}
		return jsonResponse(http.StatusOK, envelope(result))
	}}
	server := newTestServer(t, mock, true)
	handler := server.Handler()

	resp := requestJSON(t, handler, http.MethodPost, "/v1/summaries/generate", map[string]any{
		"transcript": []map[string]string{
			{"timestamp": "0:00", "text": "Welcome to the talk."},
			{"timestamp": "0:15", "text": "Generics landed in 1.18."},
		},
		"videoMetadata": map[string]string{
			"videoId":     "vid-1",
			"title":       "Go Generics",
			"channelName": "GopherCon",
			"url":         "https://youtube.com/watch?v=vid-1",
		},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("POST /v1/summaries/generate status = %d, want 200; body=%s", resp.Code, resp.Body.String())
	}
	var summary core.Summary
	if err := json.Unmarshal(resp.Body.Bytes(), &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary.ID != "s1" || summary.Title != "Go Generics" {
		t.Fatalf("summary = %+v, want s1 Go Generics", summary)
	}

	// The server payload carried an authoritative balance; the session
	// must reflect it.
	sessionResp := requestJSON(t, handler, http.MethodGet, "/v1/session", nil)
	var session sessionResponse
	if err := json.Unmarshal(sessionResp.Body.Bytes(), &session); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	if session.User == nil || session.User.Credits != 4 {
		t.Fatalf("credits after generate = %+v, want 4", session.User)
	}
}

func TestServerGenerateRequiresAuth(t *testing.T) {
	server := newTestServer(t, api.NewMockHTTPClient(), false)

	resp := requestJSON(t, server.Handler(), http.MethodPost, "/v1/summaries/generate", map[string]any{
		"transcript": []map[string]string{{"timestamp": "0:00", "text": "hello"}},
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401; body=%s", resp.Code, resp.Body.String())
	}
	detail := decodeError(t, resp)
	if detail.Code != string(api.KindAuthRequired) {
		t.Errorf("error.code = %q, want %q", detail.Code, api.KindAuthRequired)
	}
	if detail.Message != "Please sign in to continue" {
		t.Errorf("error.message = %q, want sign-in copy", detail.Message)
	}
}

func TestServerSummariesCRUD(t *testing.T) {
	saved := `{"id":"s1","videoId":"vid-1","title":"Saved","keyPoints":[],"fullSummary":"body","videoMetadata":{"videoId":"vid-1"}}`
	updated := `{"id":"s1","videoId":"vid-1","title":"Renamed","keyPoints":[],"fullSummary":"body","videoMetadata":{"videoId":"vid-1"}}`
	page := `{"summaries":[` + saved + `],"total":1,"page":1,"pageSize":20}`

	mock := &api.MockHTTPClient{Handler: func(req *http.Request) (*http.Response, error) {
		switch {
		case req.Method == http.MethodPost && req.URL.Path == "/summary/save":
			return jsonResponse(http.StatusOK, envelope(saved))
		case req.Method == http.MethodGet && req.URL.Path == "/summary":
			if got := req.URL.Query().Get("videoId"); got != "vid-1" {
				t.Errorf("backend videoId = %q, want vid-1", got)
			}
			if got := req.URL.Query().Get("limit"); got != "10" {
				t.Errorf("backend limit = %q, want 10", got)
			}
			return jsonResponse(http.StatusOK, envelope(page))
		case req.Method == http.MethodPut && req.URL.Path == "/summary/s1":
			return jsonResponse(http.StatusOK, envelope(updated))
		case req.Method == http.MethodDelete && req.URL.Path == "/summary/s1":
			return jsonResponse(http.StatusOK, envelope(`{}`))
		default:
			t.Errorf("unexpected backend call: %s %s", req.Method, req.URL.Path)
			return jsonResponse(http.StatusNotFound, `{"success":false,"error":"no route"}`)
		}
	}}
	server := newTestServer(t, mock, true)
	handler := server.Handler()

	createResp := requestJSON(t, handler, http.MethodPost, "/v1/summaries", map[string]any{
		"videoId":       "vid-1",
		"title":         "Saved",
		"keyPoints":     []string{},
		"fullSummary":   "body",
		"videoMetadata": map[string]string{"videoId": "vid-1"},
	})
	if createResp.Code != http.StatusCreated {
		t.Fatalf("POST /v1/summaries status = %d, want 201; body=%s", createResp.Code, createResp.Body.String())
	}

	listResp := requestJSON(t, handler, http.MethodGet, "/v1/summaries?videoId=vid-1&limit=10&page=1", nil)
	if listResp.Code != http.StatusOK {
		t.Fatalf("GET /v1/summaries status = %d, want 200; body=%s", listResp.Code, listResp.Body.String())
	}
	var listed api.SummaryPage
	if err := json.Unmarshal(listResp.Body.Bytes(), &listed); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if listed.Total != 1 || len(listed.Items) != 1 || listed.Items[0].ID != "s1" {
		t.Fatalf("page = %+v, want one summary s1", listed)
	}

	updateResp := requestJSON(t, handler, http.MethodPut, "/v1/summaries/s1", map[string]any{
		"videoId":       "vid-1",
		"title":         "Renamed",
		"keyPoints":     []string{},
		"fullSummary":   "body",
		"videoMetadata": map[string]string{"videoId": "vid-1"},
	})
	if updateResp.Code != http.StatusOK {
		t.Fatalf("PUT /v1/summaries/s1 status = %d, want 200; body=%s", updateResp.Code, updateResp.Body.String())
	}
	var got core.Summary
	if err := json.Unmarshal(updateResp.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal updated: %v", err)
	}
	if got.Title != "Renamed" {
		t.Fatalf("updated title = %q, want Renamed", got.Title)
	}

	deleteResp := requestJSON(t, handler, http.MethodDelete, "/v1/summaries/s1", nil)
	if deleteResp.Code != http.StatusNoContent {
		t.Fatalf("DELETE /v1/summaries/s1 status = %d, want 204; body=%s", deleteResp.Code, deleteResp.Body.String())
	}
}

func TestServerListQueryValidation(t *testing.T) {
	server := newTestServer(t, api.NewMockHTTPClient(), true)
	handler := server.Handler()

	for _, path := range []string{
		"/v1/summaries?page=zero",
		"/v1/summaries?page=0",
		"/v1/summaries?limit=-3",
	} {
		resp := requestJSON(t, handler, http.MethodGet, path, nil)
		if resp.Code != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want 400", path, resp.Code)
			continue
		}
		if detail := decodeError(t, resp); detail.Code != "INVALID_QUERY" {
			t.Errorf("GET %s error.code = %q, want INVALID_QUERY", path, detail.Code)
		}
	}
}

func TestServerExternalMessages(t *testing.T) {
	mock := &api.MockHTTPClient{Handler: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, envelope(`{}`))
	}}
	server := newTestServer(t, mock, true)
	handler := server.Handler()

	send := func(origin string, body any) *httptest.ResponseRecorder {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal message: %v", err)
		}
		req := httptest.NewRequest(http.MethodPost, "/v1/external", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	// Allowed origin, known kind.
	resp := send(allowedOrigin, map[string]any{"type": "KNUGGET_CHECK_AUTH"})
	if resp.Code != http.StatusOK {
		t.Fatalf("check auth status = %d, want 200; body=%s", resp.Code, resp.Body.String())
	}
	var reply struct {
		Kind    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if reply.Kind != "AUTH_STATUS_CHANGED" {
		t.Errorf("reply type = %q, want AUTH_STATUS_CHANGED", reply.Kind)
	}
	var status struct {
		Authenticated bool `json:"isAuthenticated"`
	}
	if err := json.Unmarshal(reply.Payload, &status); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if !status.Authenticated {
		t.Error("payload.isAuthenticated = false, want true")
	}

	// Origin not on the allow-list.
	resp = send("https://evil.example.com", map[string]any{"type": "KNUGGET_CHECK_AUTH"})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("forbidden origin status = %d, want 403; body=%s", resp.Code, resp.Body.String())
	}
	if detail := decodeError(t, resp); detail.Code != "ORIGIN_FORBIDDEN" {
		t.Errorf("error.code = %q, want ORIGIN_FORBIDDEN", detail.Code)
	}

	// Missing Origin header fails the same check.
	resp = send("", map[string]any{"type": "KNUGGET_CHECK_AUTH"})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("missing origin status = %d, want 403; body=%s", resp.Code, resp.Body.String())
	}

	// Kind nobody handles.
	resp = send(allowedOrigin, map[string]any{"type": "KNUGGET_SELF_DESTRUCT"})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("unknown kind status = %d, want 404; body=%s", resp.Code, resp.Body.String())
	}
	if detail := decodeError(t, resp); detail.Code != "UNKNOWN_KIND" {
		t.Errorf("error.code = %q, want UNKNOWN_KIND", detail.Code)
	}

	// Auth handover with a malformed payload.
	resp = send(allowedOrigin, map[string]any{"type": "KNUGGET_AUTH_SUCCESS", "payload": "notanobject"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("malformed payload status = %d, want 400; body=%s", resp.Code, resp.Body.String())
	}
	if detail := decodeError(t, resp); detail.Code != "INVALID_MESSAGE" {
		t.Errorf("error.code = %q, want INVALID_MESSAGE", detail.Code)
	}

	// Missing type field entirely.
	resp = send(allowedOrigin, map[string]any{"payload": map[string]any{}})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("missing type status = %d, want 400; body=%s", resp.Code, resp.Body.String())
	}
}

func TestServerExternalAuthHandover(t *testing.T) {
	// Adoption re-validates the handed-over token against the backend
	// and trusts the profile that comes back.
	mock := &api.MockHTTPClient{Handler: func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/auth/me" {
			t.Errorf("unexpected backend call: %s %s", req.Method, req.URL.Path)
		}
		return jsonResponse(http.StatusOK, envelope(`{"id":"u2","name":"Grace","email":"grace@example.com","credits":3,"plan":"free"}`))
	}}
	server := newTestServer(t, mock, false)
	handler := server.Handler()

	record := map[string]any{
		"accessToken":  "ext-tok",
		"refreshToken": "ext-ref",
		"user":         map[string]any{"id": "u2", "name": "Grace", "email": "grace@example.com", "credits": 3, "plan": "free"},
		"expiresAt":    time.Now().Add(time.Hour).UnixMilli(),
	}
	payload, err := json.Marshal(map[string]any{"type": "KNUGGET_AUTH_SUCCESS", "payload": record})
	if err != nil {
		t.Fatalf("marshal handover: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/external", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", allowedOrigin)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("handover status = %d, want 200; body=%s", rec.Code, rec.Body.String())
	}

	sessionResp := requestJSON(t, handler, http.MethodGet, "/v1/session", nil)
	var session sessionResponse
	if err := json.Unmarshal(sessionResp.Body.Bytes(), &session); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	if !session.Authenticated || session.User == nil || session.User.ID != "u2" {
		t.Fatalf("session after handover = %+v, want authenticated u2", session)
	}
}

func TestServerHealthz(t *testing.T) {
	server := newTestServer(t, api.NewMockHTTPClient(), false)

	resp := requestJSON(t, server.Handler(), http.MethodGet, "/healthz", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("GET /healthz status = %d, want 200", resp.Code)
	}
	var health struct {
		Status        string `json:"status"`
		Authenticated bool   `json:"authenticated"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &health); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("status = %q, want ok", health.Status)
	}
	if health.Authenticated {
		t.Error("authenticated = true for a signed-out daemon")
	}
}

func TestServerRecordsEventsForReplay(t *testing.T) {
	mock := &api.MockHTTPClient{Handler: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, envelope(`{}`))
	}}
	server := newTestServer(t, mock, true)
	handler := server.Handler()

	// Drive a bus event through the API surface.
	logoutResp := requestJSON(t, handler, http.MethodPost, "/v1/logout", nil)
	if logoutResp.Code != http.StatusNoContent {
		t.Fatalf("POST /v1/logout status = %d, want 204", logoutResp.Code)
	}

	// The recorder runs on its own goroutine; wait for the event to land.
	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	var recorded []bus.Event
	for {
		var err error
		recorded, err = server.events.List(ctx, 0, 0)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(recorded) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("logout event never reached the event store")
		}
		time.Sleep(5 * time.Millisecond)
	}

	found := false
	for _, evt := range recorded {
		if evt.Kind == bus.EventLoggedOut && evt.Reason == bus.LogoutReasonUser {
			found = true
		}
	}
	if !found {
		t.Fatalf("recorded events = %+v, want a user logout", recorded)
	}
}

func TestServerEventStreamEndpoint(t *testing.T) {
	mock := &api.MockHTTPClient{Handler: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, envelope(`{}`))
	}}
	server := newTestServer(t, mock, true)

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	// The stream is subscribed once the headers arrive; a logout driven
	// through the same handler must show up as a frame.
	logoutResp := requestJSON(t, server.Handler(), http.MethodPost, "/v1/logout", nil)
	if logoutResp.Code != http.StatusNoContent {
		t.Fatalf("POST /v1/logout status = %d, want 204", logoutResp.Code)
	}

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("stream ended before logout event: %v", err)
		}
		if strings.TrimSpace(line) == "event: auth.logout" {
			return
		}
	}
}

func TestServerCloseFlushesRecorder(t *testing.T) {
	server := newTestServer(t, api.NewMockHTTPClient(), false)

	// Publish directly; the recorder must drain these before Close returns.
	eb := server.client.Bus()
	eb.Publish(bus.NewEvent(bus.EventAuthChanged))
	eb.Publish(bus.NewEvent(bus.EventSessionRefreshed))

	if err := server.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	recorded, err := server.events.List(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(recorded) != 2 {
		t.Fatalf("recorded %d events, want 2: %+v", len(recorded), recorded)
	}
}

func TestServerContinuesJournalSequence(t *testing.T) {
	// A journal surviving a daemon restart already holds a sequence; new
	// events must continue it rather than restart from 1.
	events := bus.NewMemEventStore()
	ctx := context.Background()
	for seq := uint64(1); seq <= 3; seq++ {
		err := events.Append(ctx, bus.Event{Kind: bus.EventAuthChanged, Seq: seq, Time: time.Now()})
		if err != nil {
			t.Fatalf("Append(seq=%d) error = %v", seq, err)
		}
	}

	client, err := knugget.New(knugget.Config{
		BaseURL:    "https://api.test",
		Store:      store.NewMemStore(),
		HTTPClient: api.NewMockHTTPClient(),
		Logger:     quietLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	server, err := NewServer(ServerConfig{Client: client, Events: events, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})

	client.Bus().Publish(bus.NewEvent(bus.EventSessionRefreshed))

	deadline := time.Now().Add(2 * time.Second)
	for {
		fresh, err := events.List(ctx, 3, 0)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(fresh) > 0 {
			if fresh[0].Seq != 4 {
				t.Fatalf("Seq = %d, want 4 (continuing the journal)", fresh[0].Seq)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("published event never continued the journal sequence")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
