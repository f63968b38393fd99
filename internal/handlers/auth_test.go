package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"shadegate/internal/repository"
	"shadegate/internal/service"
)

func postJSON(t *testing.T, s *service.Service, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	newTestRouter(s).ServeHTTP(w, req)
	return w
}

func TestSignUp(t *testing.T) {
	cases := []struct {
		name     string
		body     string
		err      error
		wantCode int
		wantID   int
	}{
		{name: "created", body: `{"username":"installer","password":"s3cret"}`, wantCode: http.StatusOK, wantID: 7},
		{name: "missing password", body: `{"username":"installer"}`, wantCode: http.StatusBadRequest},
		{
			name:     "duplicate username",
			body:     `{"username":"installer","password":"s3cret"}`,
			err:      fmt.Errorf("insert user: %w", repository.ErrUserExists),
			wantCode: http.StatusConflict,
		},
		{name: "store failure", body: `{"username":"installer","password":"s3cret"}`, err: errors.New("disk full"), wantCode: http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			auth := &mockAuth{signUpID: 7, signUpErr: tc.err}
			w := postJSON(t, &service.Service{Authorization: auth}, "/auth/sign-up", tc.body)

			if w.Code != tc.wantCode {
				t.Fatalf("status=%d want %d, body=%s", w.Code, tc.wantCode, w.Body.String())
			}
			if tc.wantID == 0 {
				return
			}
			var out struct {
				ID int `json:"id"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if out.ID != tc.wantID {
				t.Fatalf("id=%d want %d", out.ID, tc.wantID)
			}
			if auth.lastSignUpUsername != "installer" || auth.lastSignUpPassword != "s3cret" {
				t.Fatalf("credentials not forwarded: %q/%q", auth.lastSignUpUsername, auth.lastSignUpPassword)
			}
		})
	}
}

func TestSignIn(t *testing.T) {
	t.Run("token issued", func(t *testing.T) {
		auth := &mockAuth{genTokenToken: "jwt-abc"}
		w := postJSON(t, &service.Service{Authorization: auth}, "/auth/sign-in", `{"username":"installer","password":"s3cret"}`)
		if w.Code != http.StatusOK {
			t.Fatalf("status=%d, body=%s", w.Code, w.Body.String())
		}
		var out struct {
			Token string `json:"token"`
		}
		_ = json.Unmarshal(w.Body.Bytes(), &out)
		if out.Token != "jwt-abc" {
			t.Fatalf("token=%q", out.Token)
		}
	})

	t.Run("wrong password hides the reason", func(t *testing.T) {
		auth := &mockAuth{genTokenErr: service.ErrInvalidPassword}
		w := postJSON(t, &service.Service{Authorization: auth}, "/auth/sign-in", `{"username":"installer","password":"nope"}`)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status=%d, body=%s", w.Code, w.Body.String())
		}
		var out struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(w.Body.Bytes(), &out)
		if out.Error != "invalid credentials" {
			t.Fatalf("error=%q", out.Error)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		w := postJSON(t, &service.Service{Authorization: &mockAuth{}}, "/auth/sign-in", `{"username":1}`)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status=%d", w.Code)
		}
	})
}
