package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/linnemanlabs/go-core/log"
)

func TestNewRouter(t *testing.T) {
	t.Parallel()

	r := newRouter()
	r.Post("/echo", func(w http.ResponseWriter, req *http.Request) {
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(req.Body); err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"echo":` + strings.Repeat(`"x",`, 200) + `"x"}`))
	})
	h := wrapHandler(r, log.Nop(), 0, nil)

	t.Run("compresses json", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("{}"))
		req.Header.Set("Accept-Encoding", "gzip")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if got := rec.Header().Get("Content-Encoding"); got != "gzip" {
			t.Errorf("Content-Encoding = %q, want gzip", got)
		}
	})

	t.Run("caps body", func(t *testing.T) {
		t.Parallel()
		body := strings.NewReader(strings.Repeat("a", maxRequestBody+1))
		req := httptest.NewRequest(http.MethodPost, "/echo", body)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("status = %d, want 413", rec.Code)
		}
	})
}

func TestTraced(t *testing.T) {
	t.Parallel()

	for path, want := range map[string]bool{
		healthyPath:            false,
		readyPath:              false,
		"/api/v1/leads":        true,
		"/api/v1/enrollments/": true,
	} {
		req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
		if got := traced(req); got != want {
			t.Errorf("traced(%s) = %v, want %v", path, got, want)
		}
	}
}
