package server

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{" api ", "/api"},
	}
	for _, c := range cases {
		if got := sanitizeBase(c.in); got != c.want {
			t.Fatalf("sanitizeBase(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestIsSafeName(t *testing.T) {
	valid := []string{"a", "A1._-", "some.creator_99"}
	invalid := []string{"", "..", "a..b", "a/b", `a\\b`, "hello*", "unicode한글"}
	for _, s := range valid {
		if !isSafeName(s) {
			t.Fatalf("expected valid name %q", s)
		}
	}
	for _, s := range invalid {
		if isSafeName(s) {
			t.Fatalf("expected invalid name %q", s)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { writeJSON(c, 201, map[string]any{"a": 1}) })
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
	if rec.Code != 201 {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type: %s", ct)
	}
}

func FuzzIsSafeName(f *testing.F) {
	for _, s := range []string{"alice", "../etc", "a.b", "x/y", ""} {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, s string) {
		if isSafeName(s) {
			for _, r := range s {
				if r == '/' || r == '\\' {
					t.Fatalf("separator accepted in %q", s)
				}
			}
		}
	})
}
