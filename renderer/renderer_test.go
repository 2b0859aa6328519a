package renderer

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestFormatTime(t *testing.T) {
	tests := []struct {
		name  string
		input time.Time
		want  string
	}{
		{"standard date", time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC), "Jun 15, 2024 14:30:45"},
		{"new year", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "Jan 1, 2024 00:00:00"},
		{"end of year", time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC), "Dec 31, 2024 23:59:59"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatTime(tt.input); got != tt.want {
				t.Errorf("formatTime() = %q; want %q", got, tt.want)
			}
		})
	}
}

func TestHtmlAttr(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "hello world", "hello world"},
		{"quotes", `say "hello"`, `say &#34;hello&#34;`},
		{"script", "<script>alert(1)</script>", "&lt;script&gt;alert(1)&lt;/script&gt;"},
		{"ampersand", "fish & chips", "fish &amp; chips"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := htmlAttr(tt.input); got != tt.want {
				t.Errorf("htmlAttr(%q) = %q; want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestJSONFunc(t *testing.T) {
	out, err := jsonFunc(map[string]int{"workers": 2})
	if err != nil {
		t.Fatalf("jsonFunc() error = %v", err)
	}
	if string(out) != `{"workers":2}` {
		t.Errorf("jsonFunc() = %s", out)
	}
}

func TestTemplates(t *testing.T) {
	tmpl := Templates()
	if tmpl == nil {
		t.Fatal("Templates() returned nil")
	}
	if tmpl != Templates() {
		t.Error("Templates() should return the same parsed set")
	}
	for _, name := range []string{"home", "topnav"} {
		if tmpl.Lookup(name) == nil {
			t.Errorf("template %q not found", name)
		}
	}
}

func TestLoggerRecordsStatus(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, status: http.StatusOK}
	inner.ServeHTTP(sw, httptest.NewRequest(http.MethodGet, "/t", nil))

	if sw.status != http.StatusTeapot {
		t.Errorf("statusWriter.status = %d; want %d", sw.status, http.StatusTeapot)
	}

	rec = httptest.NewRecorder()
	Logger(inner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/t", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("Logger passthrough code = %d; want %d", rec.Code, http.StatusTeapot)
	}
}

func TestCORS(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	handler := CORS(inner)

	t.Run("regular request", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/t", nil))

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
			t.Errorf("Allow-Origin = %q; want *", got)
		}
		if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "Authorization") {
			t.Errorf("Allow-Headers = %q; want Authorization included", got)
		}
		if rec.Code != http.StatusOK {
			t.Errorf("code = %d; want %d", rec.Code, http.StatusOK)
		}
	})

	t.Run("preflight short-circuits", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/t", nil))

		if rec.Code != http.StatusNoContent {
			t.Errorf("OPTIONS code = %d; want %d", rec.Code, http.StatusNoContent)
		}
		if rec.Body.Len() != 0 {
			t.Errorf("OPTIONS body = %q; want empty", rec.Body.String())
		}
		if got := rec.Header().Get("Access-Control-Allow-Methods"); got == "" {
			t.Error("Allow-Methods not set on preflight")
		}
	})
}

func TestApplyMiddlewares(t *testing.T) {
	calls := 0
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	})

	handler := ApplyMiddlewares(inner, RolePublic)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/t", nil))

	if calls != 1 {
		t.Errorf("inner handler called %d times; want 1", calls)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Error("CORS headers not applied by chain")
	}
}

func TestApplyMiddlewaresAuthGating(t *testing.T) {
	innerCalled := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		innerCalled = true
		w.WriteHeader(http.StatusOK)
	})

	AuthMiddleware = func(next http.Handler, role AuthRole) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Token") != "ok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	defer func() { AuthMiddleware = nil }()

	t.Run("admin route rejects without token", func(t *testing.T) {
		innerCalled = false
		rec := httptest.NewRecorder()
		ApplyMiddlewares(inner, RoleAdmin).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/t", nil))

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("code = %d; want %d", rec.Code, http.StatusUnauthorized)
		}
		if innerCalled {
			t.Error("inner handler ran without authorization")
		}
	})

	t.Run("admin route passes with token", func(t *testing.T) {
		innerCalled = false
		req := httptest.NewRequest(http.MethodGet, "/t", nil)
		req.Header.Set("X-Token", "ok")
		rec := httptest.NewRecorder()
		ApplyMiddlewares(inner, RoleAdmin).ServeHTTP(rec, req)

		if rec.Code != http.StatusOK || !innerCalled {
			t.Errorf("authorized request: code = %d, innerCalled = %v", rec.Code, innerCalled)
		}
	})

	t.Run("public route skips auth", func(t *testing.T) {
		innerCalled = false
		rec := httptest.NewRecorder()
		ApplyMiddlewares(inner, RolePublic).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/t", nil))

		if rec.Code != http.StatusOK || !innerCalled {
			t.Errorf("public request: code = %d, innerCalled = %v", rec.Code, innerCalled)
		}
	})
}
