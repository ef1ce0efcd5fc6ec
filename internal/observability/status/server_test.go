package status

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"bilirelay/pkg/logx"
)

func TestStatusJSON(t *testing.T) {
	t.Parallel()
	s := New(Config{}, func() any { return map[string]int{"cycles": 3} }, logx.Nop())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var got map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["cycles"] != 3 {
		t.Fatalf("body = %v", got)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST code = %d", rec.Code)
	}
}

func TestStatusToken(t *testing.T) {
	t.Parallel()
	s := New(Config{Token: "s3cret"}, func() any { return "ok" }, logx.Nop())
	h := s.Handler()
	cases := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"missing", "/status", "", http.StatusUnauthorized},
		{"wrong query", "/status?token=nope", "", http.StatusUnauthorized},
		{"query", "/status?token=s3cret", "", http.StatusOK},
		{"bearer", "/status", "Bearer s3cret", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("code = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, func() any { return "up" }, logx.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatalf("no addr after start")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Fatalf("healthz = %q", body)
	}
	s.Stop(context.Background())
	if s.Addr() != "" {
		t.Fatalf("addr after stop")
	}
}

func TestRefusesPublicWithoutToken(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, logx.Nop())
	if err := s.Start(); err == nil {
		s.Stop(context.Background())
		t.Fatalf("public bind without token accepted")
	}
}
