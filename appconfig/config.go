package appconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stevecastle/grebe/platform"
)

// Config holds application configuration: server address, artifact and model
// locations, pipeline defaults, caching, and export settings.
type Config struct {
	DBPath string `json:"dbPath"`

	// Where finished batch artifacts are written.
	ArtifactPath string `json:"artifactPath"`

	// Directory holding downloaded ONNX model files.
	ModelPath string `json:"modelPath"`

	// HTTP listen address for the studio server.
	ListenAddr string `json:"listenAddr"`

	// Depth estimation settings
	Depth struct {
		Variant              string `json:"variant"`
		ORTSharedLibraryPath string `json:"ortSharedLibraryPath"`
	} `json:"depth"`

	// Pipeline defaults applied when an upload carries no overrides
	Pipeline struct {
		NormalizePolicy string  `json:"normalizePolicy"`
		RangeLo         float64 `json:"rangeLo"`
		RangeHi         float64 `json:"rangeHi"`
		Invert          bool    `json:"invert"`
		NearPct         float64 `json:"nearPct"`
		FarPct          float64 `json:"farPct"`
		Colormap        string  `json:"colormap"`
		DepthFormat     string  `json:"depthFormat"`
		JPEGQuality     int     `json:"jpegQuality"`
		Workers         int     `json:"workers"`
	} `json:"pipeline"`

	// Result cache TTL in seconds; 0 keeps the built-in default.
	CacheTTLSeconds int `json:"cacheTtlSeconds"`

	// Optional S3 export target for finished batches
	Export struct {
		S3Bucket string `json:"s3Bucket"`
		S3Prefix string `json:"s3Prefix"`
		S3Region string `json:"s3Region"`
	} `json:"export"`

	// JWT Secret for authentication
	JWTSecret string `json:"jwtSecret"`
}

// CacheTTL converts the configured TTL to a duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

var (
	cfgMu sync.RWMutex
	cfg   Config
)

// defaultArtifactPath returns the default artifact path (~/grebe).
func defaultArtifactPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "grebe"
	}
	return filepath.Join(home, "grebe")
}

// DefaultDBPath returns the default database path.
// Uses the platform-specific data directory.
func DefaultDBPath() string {
	return filepath.Join(platform.GetDataDir(), "grebe.db")
}

// DefaultModelPath returns the default directory for ONNX model files.
func DefaultModelPath() string {
	return filepath.Join(platform.GetDataDir(), "models")
}

// DefaultConfigDir returns the default config directory path.
// Uses the platform-specific data directory.
func DefaultConfigDir() string {
	return platform.GetDataDir()
}

// defaultConfig returns a Config populated with sensible defaults.
func defaultConfig() Config {
	c := Config{
		DBPath:          DefaultDBPath(),
		ArtifactPath:    defaultArtifactPath(),
		ModelPath:       DefaultModelPath(),
		ListenAddr:      "127.0.0.1:8090",
		CacheTTLSeconds: 3600,
		JWTSecret:       uuid.New().String(),
	}
	c.Depth.Variant = "small"
	c.Pipeline.NormalizePolicy = "per_image_minmax"
	c.Pipeline.RangeLo = 0
	c.Pipeline.RangeHi = 1
	c.Pipeline.Colormap = "grayscale"
	c.Pipeline.DepthFormat = "png"
	c.Pipeline.JPEGQuality = 95
	c.Pipeline.Workers = 2
	return c
}

// Get returns a copy of the current in-memory config.
func Get() Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg
}

// Set replaces the in-memory config.
func Set(c Config) {
	cfgMu.Lock()
	cfg = c
	cfgMu.Unlock()
}

func isJSONObject(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func deepMergeJSON(dst, src map[string]json.RawMessage) {
	for k, v := range src {
		if existing, ok := dst[k]; ok && isJSONObject(existing) && isJSONObject(v) {
			var dstObj map[string]json.RawMessage
			var srcObj map[string]json.RawMessage
			if err := json.Unmarshal(existing, &dstObj); err != nil {
				dst[k] = v
				continue
			}
			if err := json.Unmarshal(v, &srcObj); err != nil {
				dst[k] = v
				continue
			}
			deepMergeJSON(dstObj, srcObj)
			merged, err := json.Marshal(dstObj)
			if err != nil {
				dst[k] = v
				continue
			}
			dst[k] = merged
			continue
		}
		dst[k] = v
	}
}

// getConfigPath returns the full path to the config.json file.
func getConfigPath() (string, error) {
	configDir := DefaultConfigDir()
	return filepath.Join(configDir, "config.json"), nil
}

// Load reads the config from disk and updates the in-memory config. It returns the config and path.
// If the config file doesn't exist, it creates one with default values.
// This function safely handles missing directories and creates them as needed.
func Load() (Config, string, error) {
	path, err := getConfigPath()
	if err != nil {
		return Config{}, "", err
	}

	// Ensure config directory exists
	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return Config{}, "", fmt.Errorf("failed to create config directory %s: %v", configDir, err)
	}

	// Check if config file exists
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file doesn't exist - create it with defaults
			def := defaultConfig()

			// Ensure the database directory exists
			dbDir := filepath.Dir(def.DBPath)
			if err := os.MkdirAll(dbDir, 0755); err != nil {
				return Config{}, "", fmt.Errorf("failed to create database directory %s: %v", dbDir, err)
			}

			// Save the default config
			savedPath, saveErr := Save(def)
			if saveErr != nil {
				return Config{}, path, fmt.Errorf("failed to create default config file: %v", saveErr)
			}
			Set(def)
			return def, savedPath, nil
		}
		return Config{}, path, fmt.Errorf("failed to read config file at %s: %v", path, err)
	}

	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, path, fmt.Errorf("failed to parse config JSON: %v", err)
	}

	// Merge defaults for any missing fields
	def := defaultConfig()
	needsSave := false

	if c.DBPath == "" {
		c.DBPath = def.DBPath
		needsSave = true
	}
	if c.ArtifactPath == "" {
		c.ArtifactPath = def.ArtifactPath
	}
	if c.ModelPath == "" {
		c.ModelPath = def.ModelPath
	}
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.Depth.Variant == "" {
		c.Depth.Variant = def.Depth.Variant
	}
	if c.Pipeline.NormalizePolicy == "" {
		c.Pipeline.NormalizePolicy = def.Pipeline.NormalizePolicy
	}
	if c.Pipeline.Colormap == "" {
		c.Pipeline.Colormap = def.Pipeline.Colormap
	}
	if c.Pipeline.DepthFormat == "" {
		c.Pipeline.DepthFormat = def.Pipeline.DepthFormat
	}
	if c.Pipeline.JPEGQuality == 0 {
		c.Pipeline.JPEGQuality = def.Pipeline.JPEGQuality
	}
	if c.Pipeline.Workers == 0 {
		c.Pipeline.Workers = def.Pipeline.Workers
	}
	if c.Pipeline.RangeHi == 0 && c.Pipeline.RangeLo == 0 {
		c.Pipeline.RangeHi = def.Pipeline.RangeHi
	}
	if c.CacheTTLSeconds == 0 {
		c.CacheTTLSeconds = def.CacheTTLSeconds
	}
	if c.JWTSecret == "" {
		c.JWTSecret = uuid.New().String()
		needsSave = true
	}

	// Ensure the database directory exists
	dbDir := filepath.Dir(c.DBPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return Config{}, path, fmt.Errorf("failed to create database directory %s: %v", dbDir, err)
	}

	// Save config if we had to fill in critical missing fields
	if needsSave {
		if _, saveErr := Save(c); saveErr != nil {
			// Log but don't fail - we can continue with the in-memory config
			fmt.Printf("Warning: failed to save updated config: %v\n", saveErr)
		}
	}

	Set(c)
	return c, path, nil
}

// Save writes the config to disk, creating the directory as needed. Returns the path.
func Save(c Config) (string, error) {
	path, err := getConfigPath()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return path, fmt.Errorf("failed to create config directory: %v", err)
	}
	base := map[string]json.RawMessage{}
	if existing, readErr := os.ReadFile(path); readErr == nil {
		var tmp map[string]json.RawMessage
		if err := json.Unmarshal(existing, &tmp); err == nil {
			base = tmp
		}
	}

	marshaled, err := json.Marshal(c)
	if err != nil {
		return path, fmt.Errorf("failed to marshal config: %v", err)
	}
	incoming := map[string]json.RawMessage{}
	if err := json.Unmarshal(marshaled, &incoming); err != nil {
		return path, fmt.Errorf("failed to map config JSON: %v", err)
	}

	deepMergeJSON(base, incoming)

	mergedData, err := json.MarshalIndent(base, "", "  ")
	if err != nil {
		return path, fmt.Errorf("failed to marshal merged config: %v", err)
	}
	if err := os.WriteFile(path, mergedData, 0644); err != nil {
		return path, fmt.Errorf("failed to write config file: %v", err)
	}
	Set(c)
	return path, nil
}
