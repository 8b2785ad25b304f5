package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) response {
	t.Helper()
	var body response
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return body
}

func TestHealthz_AlwaysReturns200(t *testing.T) {
	h := New()

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if body := decodeResponse(t, rec); body.Status != "ok" {
		t.Errorf("body status = %q, want %q", body.Status, "ok")
	}
}

func TestReadyz_StatusMatrix(t *testing.T) {
	pass := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errors.New("down") }

	cases := []struct {
		name     string
		checkers []Checker
		wantCode int
		wantBody string
	}{
		{"no checkers", nil, http.StatusOK, "ok"},
		{"all pass", []Checker{
			{Name: "session", Check: pass},
			{Name: "history", Check: pass},
		}, http.StatusOK, "ok"},
		{"one fails", []Checker{
			{Name: "session", Check: fail},
			{Name: "history", Check: pass},
		}, http.StatusServiceUnavailable, "fail"},
		{"all fail", []Checker{
			{Name: "session", Check: fail},
			{Name: "audio", Check: fail},
		}, http.StatusServiceUnavailable, "fail"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := New(tc.checkers...)
			rec := httptest.NewRecorder()
			h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

			if rec.Code != tc.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantCode)
			}
			if body := decodeResponse(t, rec); body.Status != tc.wantBody {
				t.Errorf("body status = %q, want %q", body.Status, tc.wantBody)
			}
		})
	}
}

func TestReadyz_ReportsPerCheckOutcome(t *testing.T) {
	h := New(
		Checker{Name: "session", Check: func(context.Context) error {
			return errors.New("backend unreachable")
		}},
		Checker{Name: "history", Check: func(context.Context) error { return nil }},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	body := decodeResponse(t, rec)

	sess := body.Checks["session"]
	if sess.Status != "fail" || sess.Error != "backend unreachable" {
		t.Errorf("session check = %+v, want fail/backend unreachable", sess)
	}
	hist := body.Checks["history"]
	if hist.Status != "ok" || hist.Error != "" {
		t.Errorf("history check = %+v, want ok with no error", hist)
	}
	for name, cr := range body.Checks {
		if cr.Elapsed == "" {
			t.Errorf("check %q is missing its elapsed time", name)
		}
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := New(
		Checker{Name: "slow", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestRegister_RoutesAndMethods(t *testing.T) {
	h := New(
		Checker{Name: "test", Check: func(context.Context) error { return nil }},
	)
	mux := http.NewServeMux()
	h.Register(mux)

	cases := []struct {
		method, path string
		wantStatus   int
	}{
		{"GET", "/healthz", http.StatusOK},
		{"GET", "/readyz", http.StatusOK},
		{"POST", "/healthz", http.StatusMethodNotAllowed},
		{"GET", "/nope", http.StatusNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
		})
	}
}
