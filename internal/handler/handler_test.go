package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/grader/internal/document"
	"github.com/pavelanni/grader/internal/model"
	"github.com/pavelanni/grader/internal/progress"
	"github.com/pavelanni/grader/internal/store"
)

func newTestHandler(t *testing.T) (*Handler, *store.Store) {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	h := New(s, nil, nil, document.TextExtractor{}, progress.NewTracker())
	return h, s
}

func createTestUser(t *testing.T, s *store.Store, username, password string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	_, err = s.CreateUser(model.User{
		Username:     username,
		DisplayName:  "Test Teacher",
		PasswordHash: string(hash),
		Role:         model.UserRoleTeacher,
		Active:       true,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
}

func TestLoginAndAuthFlow(t *testing.T) {
	h, s := newTestHandler(t)
	createTestUser(t, s, "teacher", "secret")
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	// Wrong password is rejected.
	body, _ := json.Marshal(map[string]string{"username": "teacher", "password": "wrong"})
	resp, err := http.Post(srv.URL+"/api/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong password: status %d, want 401", resp.StatusCode)
	}

	// Correct credentials yield a token.
	body, _ = json.Marshal(map[string]string{"username": "teacher", "password": "secret"})
	resp, err = http.Post(srv.URL+"/api/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: status %d, want 200", resp.StatusCode)
	}
	var login struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	resp.Body.Close()
	if login.Token == "" {
		t.Fatal("expected session token")
	}

	// Authed request succeeds.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/evaluations", nil)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("list evaluations: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authed list: status %d, want 200", resp.StatusCode)
	}

	// Missing token is rejected.
	resp, err = http.Get(srv.URL + "/api/evaluations")
	if err != nil {
		t.Fatalf("unauthed list: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthed list: status %d, want 401", resp.StatusCode)
	}
}

func TestGetEvaluationNotFound(t *testing.T) {
	h, s := newTestHandler(t)
	createTestUser(t, s, "teacher", "secret")
	u, err := s.GetUserByUsername("teacher")
	if err != nil || u == nil {
		t.Fatalf("get user: %v", err)
	}
	token, err := s.CreateAuthSession(u.ID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/evaluations/nope", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get evaluation: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status %d, want 404", resp.StatusCode)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc123", "abc123"},
		{"Bearer  spaced ", "spaced"},
		{"Basic abc123", ""},
		{"", ""},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		if got := bearerToken(r); got != tt.want {
			t.Errorf("bearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestStudentName(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"ada_lovelace.txt", "ada lovelace"},
		{"grace-hopper.pdf", "grace hopper"},
		{"/tmp/uploads/Alan Turing.txt", "Alan Turing"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := studentName(tt.filename); got != tt.want {
			t.Errorf("studentName(%q) = %q, want %q", tt.filename, got, tt.want)
		}
	}
}
