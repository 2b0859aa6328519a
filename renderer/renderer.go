// Package renderer owns the embedded HTML templates and the HTTP
// middleware chain every route passes through.
package renderer

import (
	"embed"
	"encoding/json"
	"html"
	"html/template"
	"log"
	"net/http"
	"sync"
	"time"
)

//go:embed templates/*.go.html
var templatesFS embed.FS

const templateGlob = "templates/*.go.html"

var (
	templates *template.Template
	once      sync.Once
)

// Template helpers available to every page.

// formatTime renders timestamps the way the history gallery shows them.
func formatTime(t time.Time) string {
	return t.Format("Jan 2, 2006 15:04:05")
}

// htmlAttr escapes a string for use inside an HTML attribute.
func htmlAttr(s string) string {
	return html.EscapeString(s)
}

// jsonFunc marshals a value into an inline <script> literal.
func jsonFunc(v any) (template.JS, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return template.JS(b), nil
}

// Templates returns the parsed page templates, parsing them once.
func Templates() *template.Template {
	once.Do(func() {
		tmpl, err := template.New("").
			Funcs(template.FuncMap{
				"formatTime": formatTime,
				"htmlAttr":   htmlAttr,
				"json":       jsonFunc,
			}).
			ParseFS(templatesFS, templateGlob)
		if err != nil {
			log.Fatalf("parsing embedded templates: %v", err)
		}
		templates = tmpl
	})
	return templates
}

// statusWriter records the response code so the request log can show it.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Logger logs method, path, status and duration for every request.
func Logger(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		log.Printf("%s %s %d %s", r.Method, r.URL.Path, sw.status, time.Since(start))
	}
}

// CORS allows cross-origin calls so the API stays scriptable from local
// tooling; the server itself only binds to loopback.
func CORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w.Header())
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	}
}

func setCORSHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Accept, Content-Type, Authorization")
}

// AuthRole is the access level a route requires.
type AuthRole int

const (
	RolePublic AuthRole = iota
	RoleAdmin
)

// AuthMiddleware wraps a handler with token verification for the given
// role. Set from main so this package stays free of the auth store.
var AuthMiddleware func(http.Handler, AuthRole) http.Handler

// ApplyMiddlewares builds the standard chain: logging and CORS on every
// route, token verification on protected ones.
func ApplyMiddlewares(handler http.HandlerFunc, role AuthRole) http.HandlerFunc {
	var h http.Handler = handler
	if role != RolePublic && AuthMiddleware != nil {
		h = AuthMiddleware(h, role)
	}
	return Logger(CORS(h))
}
