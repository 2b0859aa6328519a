package main

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/getlantern/systray"
	"github.com/pkg/browser"
	_ "modernc.org/sqlite"

	"github.com/stevecastle/grebe/appconfig"
	"github.com/stevecastle/grebe/auth"
	"github.com/stevecastle/grebe/cache"
	"github.com/stevecastle/grebe/depth"
	"github.com/stevecastle/grebe/depthmap"
	"github.com/stevecastle/grebe/downloads"
	"github.com/stevecastle/grebe/export"
	"github.com/stevecastle/grebe/history"
	"github.com/stevecastle/grebe/metrics"
	"github.com/stevecastle/grebe/models"
	"github.com/stevecastle/grebe/pipeline"
	"github.com/stevecastle/grebe/presets"
	"github.com/stevecastle/grebe/renderer"
	"github.com/stevecastle/grebe/stream"
)

// -----------------------------------------------------------------------------
// Embedded tray-icon (.ico) file – place your icon at assets/logo.ico.
// -----------------------------------------------------------------------------

//go:embed assets/logo.ico
var iconData []byte

// -----------------------------------------------------------------------------
// Embed static assets under client/static; ** must recurse all sub-paths.
// -----------------------------------------------------------------------------

//go:embed client/static/**
var embeddedStatic embed.FS

// staticFS is the embedded filesystem rooted at client/static/.
var staticFS fs.FS

// -----------------------------------------------------------------------------
// http server so we can shut it down cleanly from onExit.
// -----------------------------------------------------------------------------
var srv *http.Server

// Global application state so onExit can reach it
var app *App

// Keep a copy of the currently loaded config in memory
var currentConfig appconfig.Config

// -----------------------------------------------------------------------------
// App holds the shared collaborators every handler needs.
// -----------------------------------------------------------------------------
type App struct {
	DB       *sql.DB
	Cache    *cache.Store
	History  *history.Store
	Presets  *presets.Store
	Auth     *auth.AuthService
	Batches  *batchRegistry
	Upgrader *downloads.Manager

	estMu     sync.Mutex
	estimator pipeline.DepthEstimator
	estClose  func() error
}

// batchRegistry tracks in-flight and finished batches for status polling.
type batchRegistry struct {
	mu      sync.Mutex
	batches map[string]*pipeline.Batch
	cancels map[string]context.CancelFunc
}

func newBatchRegistry() *batchRegistry {
	return &batchRegistry{
		batches: make(map[string]*pipeline.Batch),
		cancels: make(map[string]context.CancelFunc),
	}
}

func (r *batchRegistry) add(b *pipeline.Batch, cancel context.CancelFunc) {
	r.mu.Lock()
	r.batches[b.ID] = b
	r.cancels[b.ID] = cancel
	r.mu.Unlock()
}

func (r *batchRegistry) get(id string) (*pipeline.Batch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	return b, ok
}

func (r *batchRegistry) cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.cancels[id]
	if ok {
		cancel()
	}
	return ok
}

func (r *batchRegistry) done(id string) {
	r.mu.Lock()
	delete(r.cancels, id)
	r.mu.Unlock()
}

// -----------------------------------------------------------------------------
// Utility – run from the folder that contains the executable so embedded
// assets resolve the same way in dev and packaged builds.
// -----------------------------------------------------------------------------
func init() {
	if exe, err := os.Executable(); err == nil {
		_ = os.Chdir(filepath.Dir(exe))
	}

	// Carve out the client/static subtree of the embedded FS so that
	// "/static/foo.js" maps directly to "foo.js".
	var err error
	staticFS, err = fs.Sub(embeddedStatic, "client/static")
	if err != nil {
		panic("grebe: fs.Sub failed: " + err.Error())
	}
}

// -----------------------------------------------------------------------------
// Database initialization
// -----------------------------------------------------------------------------

func initDB() (*sql.DB, error) {
	// Load config (creates default config if doesn't exist)
	cfg, _, err := appconfig.Load()
	if err != nil {
		return nil, err
	}
	currentConfig = cfg
	dbPath := cfg.DBPath
	log.Printf("Using database path from config: %s", dbPath)

	// Ensure the directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %v", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %v", err)
	}

	log.Printf("Connected to SQLite database at: %s", dbPath)
	return db, nil
}

// -----------------------------------------------------------------------------
// Estimator lifecycle – the model loads lazily on the first batch so the
// server starts even before the model files are installed.
// -----------------------------------------------------------------------------

func (a *App) getEstimator() (pipeline.DepthEstimator, error) {
	a.estMu.Lock()
	defer a.estMu.Unlock()

	if a.estimator != nil {
		return a.estimator, nil
	}

	cfg := appconfig.Get()
	variant := depth.Variant(cfg.Depth.Variant)
	opts, err := depth.OptionsForVariant(cfg.ModelPath, variant)
	if err != nil {
		return nil, err
	}
	if cfg.Depth.ORTSharedLibraryPath != "" {
		opts.ORTSharedLibraryPath = cfg.Depth.ORTSharedLibraryPath
	} else if p := models.RuntimeLibPath(cfg.ModelPath); fileExists(p) {
		opts.ORTSharedLibraryPath = p
	}

	est, err := depth.NewEstimator(opts)
	if err != nil {
		return nil, err
	}
	a.estimator = est
	a.estClose = est.Close
	return est, nil
}

// dropEstimator closes the loaded model, forcing a reload on next use.
// Called when the configured variant changes.
func (a *App) dropEstimator() {
	a.estMu.Lock()
	defer a.estMu.Unlock()
	if a.estClose != nil {
		if err := a.estClose(); err != nil {
			log.Printf("closing estimator: %v", err)
		}
	}
	a.estimator = nil
	a.estClose = nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

type homeTemplateData struct {
	Recent    []history.Record
	Presets   []presets.Preset
	Colormaps []string
	Models    []models.Status
	Config    appconfig.Config
}

func homeHandler(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		cfg := appconfig.Get()

		data := homeTemplateData{
			Colormaps: depthmap.ColormapNames(),
			Config:    cfg,
		}
		if recent, err := a.History.Recent(r.Context(), 24); err == nil {
			data.Recent = recent
		}
		if list, err := a.Presets.List(r.Context()); err == nil {
			data.Presets = list
		}
		for _, m := range models.Registry() {
			if st, err := models.Check(cfg.ModelPath, m.Variant); err == nil {
				data.Models = append(data.Models, st)
			}
		}

		if err := renderer.Templates().ExecuteTemplate(w, "home", data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// parsePipelineOptions builds run options from a preset plus form overrides.
func parsePipelineOptions(ctx context.Context, a *App, form url.Values) (pipeline.Options, error) {
	cfg := appconfig.Get()
	opts := pipeline.DefaultOptions()
	opts.Normalize.Policy = cfg.Pipeline.NormalizePolicy
	opts.Normalize.RangeLo = float32(cfg.Pipeline.RangeLo)
	opts.Normalize.RangeHi = float32(cfg.Pipeline.RangeHi)
	opts.Normalize.Invert = cfg.Pipeline.Invert
	opts.Normalize.NearPct = int(cfg.Pipeline.NearPct)
	opts.Normalize.FarPct = int(cfg.Pipeline.FarPct)
	opts.Colormap = cfg.Pipeline.Colormap
	opts.DepthFormat = cfg.Pipeline.DepthFormat
	opts.JPEGQuality = cfg.Pipeline.JPEGQuality

	if name := form.Get("preset"); name != "" {
		p, err := a.Presets.Get(ctx, name)
		if err != nil {
			return opts, fmt.Errorf("unknown preset %q", name)
		}
		s := p.Settings
		opts.Normalize.Policy = s.NormalizePolicy
		opts.Normalize.RangeLo = float32(s.RangeLo)
		opts.Normalize.RangeHi = float32(s.RangeHi)
		opts.Normalize.Invert = s.Invert
		opts.Normalize.NearPct = int(s.NearPct)
		opts.Normalize.FarPct = int(s.FarPct)
		opts.Colormap = s.Colormap
		opts.DepthFormat = s.DepthFormat
		if s.JPEGQuality > 0 {
			opts.JPEGQuality = s.JPEGQuality
		}
	}

	if v := form.Get("normalizePolicy"); v != "" {
		opts.Normalize.Policy = v
	}
	if v := form.Get("rangeLo"); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return opts, fmt.Errorf("bad rangeLo: %v", err)
		}
		opts.Normalize.RangeLo = float32(f)
	}
	if v := form.Get("rangeHi"); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return opts, fmt.Errorf("bad rangeHi: %v", err)
		}
		opts.Normalize.RangeHi = float32(f)
	}
	if v := form.Get("invert"); v != "" {
		opts.Normalize.Invert = v == "true" || v == "on" || v == "1"
	}
	if v := form.Get("nearPct"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, fmt.Errorf("bad nearPct: %v", err)
		}
		opts.Normalize.NearPct = n
	}
	if v := form.Get("farPct"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, fmt.Errorf("bad farPct: %v", err)
		}
		opts.Normalize.FarPct = n
	}
	if v := form.Get("colormap"); v != "" {
		opts.Colormap = v
	}
	if v := form.Get("depthFormat"); v != "" {
		opts.DepthFormat = v
	}
	if v := form.Get("jpegQuality"); v != "" {
		q, err := strconv.Atoi(v)
		if err != nil || q < 1 || q > 100 {
			return opts, fmt.Errorf("bad jpegQuality %q", v)
		}
		opts.JPEGQuality = q
	}
	return opts, nil
}

// createBatchHandler accepts a multipart upload and starts a batch run.
func createBatchHandler(a *App) http.HandlerFunc {
	const maxUploadBytes = 512 << 20

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			http.Error(w, "bad multipart form: "+err.Error(), http.StatusBadRequest)
			return
		}

		files := r.MultipartForm.File["files"]
		if len(files) == 0 {
			http.Error(w, "no files uploaded", http.StatusBadRequest)
			return
		}

		var inputs []pipeline.Input
		for _, fh := range files {
			f, err := fh.Open()
			if err != nil {
				http.Error(w, "read upload: "+err.Error(), http.StatusBadRequest)
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				http.Error(w, "read upload: "+err.Error(), http.StatusBadRequest)
				return
			}
			inputs = append(inputs, pipeline.Input{Filename: fh.Filename, Data: data})
		}

		opts, err := parsePipelineOptions(r.Context(), a, r.Form)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		est, err := a.getEstimator()
		if err != nil {
			http.Error(w, "depth model unavailable: "+err.Error(), http.StatusServiceUnavailable)
			return
		}

		cfg := appconfig.Get()
		p := pipeline.New(est, a.Cache, opts)
		runner := pipeline.NewRunner(p, cfg.ArtifactPath, cfg.Pipeline.Workers)
		runner.OnItem = func(b *pipeline.Batch, it *pipeline.Item) {
			broadcastItem(b, it)
			if it.Status == pipeline.StatusCompleted || it.Status == pipeline.StatusFailed {
				recordItem(a, b, it)
			}
		}

		batch := runner.NewBatch(inputs)
		runCtx, cancel := context.WithCancel(context.Background())
		a.Batches.add(batch, cancel)

		go func() {
			defer a.Batches.done(batch.ID)
			defer cancel()
			runner.Run(runCtx, batch, inputs)
			stream.PublishBatchDone(batch.ID)
		}()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": batch.ID})
	}
}

// broadcastItem pushes one item status change to SSE clients.
func broadcastItem(b *pipeline.Batch, it *pipeline.Item) {
	stream.PublishBatchItem(b.ID, it)
}

// recordItem writes the finished item into persistent history.
func recordItem(a *App, b *pipeline.Batch, it *pipeline.Item) {
	rec := &history.Record{
		BatchID:   b.ID,
		Filename:  it.Filename,
		Status:    it.Status,
		ErrorKind: it.Kind,
		Error:     it.Error,
		DepthPath: it.DepthPath,
		PhotoPath: it.PhotoPath,
	}
	if it.Result != nil {
		rec.Hash = it.Result.Hash
		rec.Width = it.Result.Width
		rec.Height = it.Result.Height
		rec.CacheHit = it.Result.CacheHit
		rec.ElapsedMS = it.Result.Elapsed.Milliseconds()
	}
	if err := a.History.Add(context.Background(), rec); err != nil {
		log.Printf("history: %v", err)
	}
}

func batchStatusHandler(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		b, ok := a.Batches.get(id)
		if !ok {
			http.Error(w, "unknown batch", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":        b.ID,
			"createdAt": b.CreatedAt,
			"items":     b.Snapshot(),
		})
	}
}

func batchCancelHandler(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		if !a.Batches.cancel(r.PathValue("id")) {
			http.Error(w, "unknown batch", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// artifactHandler serves a finished artifact file from the batch directory.
func artifactHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batchID := r.PathValue("batch")
		name := r.PathValue("file")

		base := filepath.Join(appconfig.Get().ArtifactPath, batchID)
		full := filepath.Join(base, name)
		// Reject traversal out of the batch directory.
		if rel, err := filepath.Rel(base, full); err != nil || strings.HasPrefix(rel, "..") {
			http.Error(w, "bad path", http.StatusBadRequest)
			return
		}
		http.ServeFile(w, r, full)
	}
}

func historyHandler(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}

		var (
			records []history.Record
			err     error
		)
		if batchID := r.URL.Query().Get("batch"); batchID != "" {
			records, err = a.History.Batch(r.Context(), batchID)
		} else {
			records, err = a.History.Recent(r.Context(), limit)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(records)
	}
}

func historyClearHandler(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		cutoff := time.Now()
		if v := r.URL.Query().Get("olderThanHours"); v != "" {
			hours, err := strconv.Atoi(v)
			if err != nil || hours < 0 {
				http.Error(w, "bad olderThanHours", http.StatusBadRequest)
				return
			}
			cutoff = cutoff.Add(-time.Duration(hours) * time.Hour)
		}
		n, err := a.History.Clear(r.Context(), cutoff)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int64{"deleted": n})
	}
}

func presetsHandler(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			list, err := a.Presets.List(r.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(list)

		case http.MethodPost:
			var body struct {
				Name     string           `json:"name"`
				Settings presets.Settings `json:"settings"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, "bad json", http.StatusBadRequest)
				return
			}
			if err := a.Presets.Save(r.Context(), body.Name, body.Settings); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusCreated)

		case http.MethodDelete:
			name := r.URL.Query().Get("name")
			err := a.Presets.Delete(r.Context(), name)
			if errors.Is(err, presets.ErrNotFound) {
				http.Error(w, "unknown preset", http.StatusNotFound)
				return
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func configHandler(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			cfg := appconfig.Get()
			cfg.JWTSecret = "" // never expose the signing secret
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(cfg)

		case http.MethodPost:
			prev := appconfig.Get()
			// Decode over the current config so a partial body only
			// changes the fields it names.
			incoming := prev
			if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
				http.Error(w, "bad json", http.StatusBadRequest)
				return
			}
			// The secret is not settable over HTTP.
			incoming.JWTSecret = prev.JWTSecret
			if _, err := appconfig.Save(incoming); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			currentConfig = incoming
			if incoming.Depth.Variant != prev.Depth.Variant ||
				incoming.ModelPath != prev.ModelPath ||
				incoming.Depth.ORTSharedLibraryPath != prev.Depth.ORTSharedLibraryPath {
				a.dropEstimator()
			}
			w.WriteHeader(http.StatusNoContent)

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func modelsStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := appconfig.Get()
		var statuses []models.Status
		for _, m := range models.Registry() {
			st, err := models.Check(cfg.ModelPath, m.Variant)
			if err != nil {
				continue
			}
			statuses = append(statuses, st)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"statuses":    statuses,
			"downloading": downloads.Default().IsInstalling(),
			"progress":    downloads.Default().GetProgress(),
		})
	}
}

func modelsDownloadHandler(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		cfg := appconfig.Get()
		variant := depth.Variant(cfg.Depth.Variant)
		if v := r.URL.Query().Get("variant"); v != "" {
			variant = depth.Variant(v)
		}

		comps, err := models.InstallComponents(cfg.ModelPath, variant)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(comps) == 0 {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "installed"})
			return
		}

		go func() {
			if err := a.Upgrader.InstallAll(context.Background(), comps); err != nil {
				log.Printf("model install: %v", err)
				return
			}
			// New files on disk; reload the model next run.
			a.dropEstimator()
		}()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "downloading"})
	}
}

func exportBatchHandler(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		cfg := appconfig.Get()
		if cfg.Export.S3Bucket == "" {
			http.Error(w, "no export bucket configured", http.StatusBadRequest)
			return
		}

		batchID := r.PathValue("id")
		dir := filepath.Join(cfg.ArtifactPath, batchID)
		if !fileExists(dir) {
			http.Error(w, "unknown batch", http.StatusNotFound)
			return
		}

		exporter, err := export.New(r.Context(), cfg.Export.S3Bucket, cfg.Export.S3Prefix, cfg.Export.S3Region)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		keys, err := exporter.UploadBatch(r.Context(), batchID, dir)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"uploaded": keys})
	}
}

func loginHandler(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Use POST", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		token, err := a.Auth.Login(body.Username, body.Password)
		if err != nil {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
	}
}

var startTime = time.Now()

func healthHandler(a *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{
			"status":  "ok",
			"uptime":  time.Since(startTime).String(),
			"stream":  stream.Stats(),
			"variant": appconfig.Get().Depth.Variant,
		}
		if err := a.DB.Ping(); err != nil {
			status["status"] = "degraded"
			status["db"] = err.Error()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	}
}

// -----------------------------------------------------------------------------
// Auth middleware wiring
// -----------------------------------------------------------------------------

func authMiddleware(a *App) func(http.Handler, renderer.AuthRole) http.Handler {
	return func(next http.Handler, role renderer.AuthRole) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if role == renderer.RolePublic {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			token := strings.TrimPrefix(header, "Bearer ")
			if token == "" || token == header {
				http.Error(w, "authorization required", http.StatusUnauthorized)
				return
			}
			if _, err := a.Auth.VerifyToken(token); err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// -----------------------------------------------------------------------------
// main
// -----------------------------------------------------------------------------

func main() {
	// ––– initialize database –––
	db, err := initDB()
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	cfg := appconfig.Get()

	// ––– stores –––
	resultCache, err := cache.New(db, cfg.CacheTTL())
	if err != nil {
		log.Fatalf("Failed to initialize result cache: %v", err)
	}
	historyStore, err := history.New(db)
	if err != nil {
		log.Fatalf("Failed to initialize history: %v", err)
	}
	presetStore, err := presets.New(db)
	if err != nil {
		log.Fatalf("Failed to initialize presets: %v", err)
	}

	// ––– auth –––
	authService := auth.NewAuthService(db, cfg.JWTSecret)
	if err := authService.EnsureSchema(); err != nil {
		log.Fatalf("Failed to initialize auth schema: %v", err)
	}
	if err := authService.CreateDefaultUser(); err != nil {
		log.Printf("warning: create default user: %v", err)
	}

	app = &App{
		DB:       db,
		Cache:    resultCache,
		History:  historyStore,
		Presets:  presetStore,
		Auth:     authService,
		Batches:  newBatchRegistry(),
		Upgrader: downloads.Default(),
	}
	renderer.AuthMiddleware = authMiddleware(app)

	// ––– model status –––
	if st, err := models.Check(cfg.ModelPath, depth.Variant(cfg.Depth.Variant)); err == nil {
		if st.ModelInstalled && st.RuntimePresent {
			log.Printf("✓ Depth model %s installed (%s)", st.Variant, st.ModelVersion)
		} else {
			log.Printf("⚠️  Depth model %s not fully installed - download from the UI", st.Variant)
		}
	}

	// ––– routes –––
	mux := http.NewServeMux()
	mux.HandleFunc("/", renderer.ApplyMiddlewares(homeHandler(app), renderer.RolePublic))
	mux.HandleFunc("/batch", renderer.ApplyMiddlewares(createBatchHandler(app), renderer.RolePublic))
	mux.HandleFunc("/batch/{id}", renderer.ApplyMiddlewares(batchStatusHandler(app), renderer.RolePublic))
	mux.HandleFunc("/batch/{id}/cancel", renderer.ApplyMiddlewares(batchCancelHandler(app), renderer.RolePublic))
	mux.HandleFunc("/batch/{id}/export", renderer.ApplyMiddlewares(exportBatchHandler(app), renderer.RoleAdmin))
	mux.HandleFunc("/artifact/{batch}/{file}", renderer.ApplyMiddlewares(artifactHandler(), renderer.RolePublic))
	mux.HandleFunc("/history", renderer.ApplyMiddlewares(historyHandler(app), renderer.RolePublic))
	mux.HandleFunc("/history/clear", renderer.ApplyMiddlewares(historyClearHandler(app), renderer.RoleAdmin))
	mux.HandleFunc("/presets", renderer.ApplyMiddlewares(presetsHandler(app), renderer.RolePublic))
	mux.HandleFunc("/config", renderer.ApplyMiddlewares(configHandler(app), renderer.RoleAdmin))
	mux.HandleFunc("/models/status", renderer.ApplyMiddlewares(modelsStatusHandler(), renderer.RolePublic))
	mux.HandleFunc("/models/download", renderer.ApplyMiddlewares(modelsDownloadHandler(app), renderer.RoleAdmin))
	mux.HandleFunc("/auth/login", renderer.ApplyMiddlewares(loginHandler(app), renderer.RolePublic))
	mux.HandleFunc("/stream", stream.StreamHandler)
	mux.HandleFunc("/health", healthHandler(app))
	mux.Handle("/metrics", metrics.Handler())

	// Serve embedded static files
	mux.Handle("/static/",
		http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))

	srv = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	// start HTTP server in background
	go func() {
		log.Printf("Grebe Depth Studio listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("grebe-server: %v", err)
		}
	}()

	// run tray icon (blocks until Quit)
	systray.Run(onReady, onExit)
}

// -----------------------------------------------------------------------------
// systray lifecycle hooks
// -----------------------------------------------------------------------------

func uiURL() string {
	addr := appconfig.Get().ListenAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/"
}

func onReady() {
	systray.SetTemplateIcon(iconData, iconData)
	systray.SetTitle("Grebe Depth Studio")
	systray.SetTooltip("Grebe – click to open UI")

	openItem := systray.AddMenuItem("Open Web UI", "Launch the browser")
	systray.AddSeparator()
	quitItem := systray.AddMenuItem("Quit", "Shut down Grebe")

	// open UI once at startup
	_ = browser.OpenURL(uiURL())

	// event loop
	for {
		select {
		case <-openItem.ClickedCh:
			_ = browser.OpenURL(uiURL())
		case <-quitItem.ClickedCh:
			systray.Quit()
			return
		}
	}
}

func onExit() {
	log.Println("Shutting down Grebe server...")

	// Stop in-flight batches first
	if app != nil && app.Batches != nil {
		app.Batches.mu.Lock()
		for _, cancel := range app.Batches.cancels {
			cancel()
		}
		app.Batches.mu.Unlock()
	}

	// Abort any model downloads still running
	if app != nil && app.Upgrader != nil {
		app.Upgrader.CancelAll()
	}

	// Shutdown stream connections
	log.Println("Shutting down stream connections...")
	stream.Shutdown()

	// Release the loaded model
	if app != nil {
		app.dropEstimator()
	}

	// Shutdown HTTP server
	log.Println("Shutting down HTTP server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	} else {
		log.Println("HTTP server shutdown complete")
	}

	log.Println("Grebe server shutdown complete")
}
