package appconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// TestDefaultConfig verifies default configuration values
func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.ListenAddr != "127.0.0.1:8090" {
		t.Errorf("Default ListenAddr = %q; want %q", cfg.ListenAddr, "127.0.0.1:8090")
	}

	if cfg.Depth.Variant != "small" {
		t.Errorf("Default Depth.Variant = %q; want %q", cfg.Depth.Variant, "small")
	}

	if cfg.Pipeline.NormalizePolicy != "per_image_minmax" {
		t.Errorf("Default NormalizePolicy = %q; want %q", cfg.Pipeline.NormalizePolicy, "per_image_minmax")
	}

	if cfg.Pipeline.Colormap != "grayscale" {
		t.Errorf("Default Colormap = %q; want %q", cfg.Pipeline.Colormap, "grayscale")
	}

	if cfg.Pipeline.JPEGQuality != 95 {
		t.Errorf("Default JPEGQuality = %d; want 95", cfg.Pipeline.JPEGQuality)
	}

	if cfg.CacheTTLSeconds != 3600 {
		t.Errorf("Default CacheTTLSeconds = %d; want 3600", cfg.CacheTTLSeconds)
	}

	if cfg.JWTSecret == "" {
		t.Error("Default JWTSecret should not be empty")
	}
}

// TestDefaultArtifactPath verifies the artifact path generation
func TestDefaultArtifactPath(t *testing.T) {
	path := defaultArtifactPath()

	// Should end with "grebe"
	if filepath.Base(path) != "grebe" {
		t.Errorf("Default artifact path should end with 'grebe'; got %q", path)
	}

	// Should be within user's home directory or be a fallback
	home, err := os.UserHomeDir()
	if err == nil {
		expectedPath := filepath.Join(home, "grebe")
		if path != expectedPath {
			t.Errorf("Default artifact path = %q; want %q", path, expectedPath)
		}
	}
}

// TestGetSet verifies Get/Set functions for in-memory config
func TestGetSet(t *testing.T) {
	// Save original and restore after test
	original := Get()
	defer Set(original)

	testConfig := Config{
		DBPath:       "/test/path/db.sqlite",
		ArtifactPath: "/test/artifacts",
		ModelPath:    "/test/models",
		ListenAddr:   "127.0.0.1:9000",
	}

	Set(testConfig)

	retrieved := Get()

	if retrieved.DBPath != testConfig.DBPath {
		t.Errorf("Get().DBPath = %q; want %q", retrieved.DBPath, testConfig.DBPath)
	}
	if retrieved.ArtifactPath != testConfig.ArtifactPath {
		t.Errorf("Get().ArtifactPath = %q; want %q", retrieved.ArtifactPath, testConfig.ArtifactPath)
	}
	if retrieved.ModelPath != testConfig.ModelPath {
		t.Errorf("Get().ModelPath = %q; want %q", retrieved.ModelPath, testConfig.ModelPath)
	}
	if retrieved.ListenAddr != testConfig.ListenAddr {
		t.Errorf("Get().ListenAddr = %q; want %q", retrieved.ListenAddr, testConfig.ListenAddr)
	}
}

// TestIsJSONObject tests the JSON object detection helper
func TestIsJSONObject(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{`{}`, true},
		{`{"key": "value"}`, true},
		{`  {  }  `, true},
		{`[]`, false},
		{`"string"`, false},
		{`123`, false},
		{`null`, false},
		{``, false},
	}

	for _, tt := range tests {
		result := isJSONObject([]byte(tt.input))
		if result != tt.expected {
			t.Errorf("isJSONObject(%q) = %v; want %v", tt.input, result, tt.expected)
		}
	}
}

// TestDeepMergeJSON tests the JSON merge functionality
func TestDeepMergeJSON(t *testing.T) {
	tests := []struct {
		name     string
		dst      string
		src      string
		expected string
	}{
		{
			name:     "Simple merge",
			dst:      `{"a": "1"}`,
			src:      `{"b": "2"}`,
			expected: `{"a":"1","b":"2"}`,
		},
		{
			name:     "Override value",
			dst:      `{"a": "1"}`,
			src:      `{"a": "2"}`,
			expected: `{"a":"2"}`,
		},
		{
			name:     "Nested merge",
			dst:      `{"nested": {"a": "1"}}`,
			src:      `{"nested": {"b": "2"}}`,
			expected: `{"nested":{"a":"1","b":"2"}}`,
		},
		{
			name:     "Add new nested",
			dst:      `{"a": "1"}`,
			src:      `{"nested": {"b": "2"}}`,
			expected: `{"a":"1","nested":{"b":"2"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dst map[string]json.RawMessage
			var src map[string]json.RawMessage

			json.Unmarshal([]byte(tt.dst), &dst)
			json.Unmarshal([]byte(tt.src), &src)

			deepMergeJSON(dst, src)

			result, _ := json.Marshal(dst)

			// Parse both for comparison (order-independent)
			var resultMap, expectedMap map[string]interface{}
			json.Unmarshal(result, &resultMap)
			json.Unmarshal([]byte(tt.expected), &expectedMap)

			if !mapsEqual(resultMap, expectedMap) {
				t.Errorf("deepMergeJSON result = %s; want %s", result, tt.expected)
			}
		})
	}
}

// mapsEqual compares two maps recursively
func mapsEqual(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		if !valuesEqual(v, bv) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b interface{}) bool {
	switch av := a.(type) {
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok {
			return false
		}
		return mapsEqual(av, bv)
	default:
		return a == b
	}
}

// TestConfigJSONMarshal verifies Config can be marshaled to JSON
func TestConfigJSONMarshal(t *testing.T) {
	cfg := defaultConfig()
	cfg.DBPath = "/test/db.sqlite"

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("json.Marshal error = %v", err)
	}

	// Verify it's valid JSON
	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Result is not valid JSON: %v", err)
	}

	// Check expected keys exist
	expectedKeys := []string{"dbPath", "artifactPath", "modelPath", "listenAddr", "depth", "pipeline", "cacheTtlSeconds", "export"}
	for _, key := range expectedKeys {
		if _, ok := parsed[key]; !ok {
			t.Errorf("Expected key %q not found in JSON output", key)
		}
	}
}

// TestConfigJSONUnmarshal verifies Config can be unmarshaled from JSON
func TestConfigJSONUnmarshal(t *testing.T) {
	jsonData := `{
		"dbPath": "/test/db.sqlite",
		"artifactPath": "/test/artifacts",
		"listenAddr": "0.0.0.0:8090",
		"depth": {
			"variant": "large",
			"ortSharedLibraryPath": "/opt/ort/libonnxruntime.so"
		},
		"pipeline": {
			"normalizePolicy": "fixed_range",
			"rangeLo": 0.5,
			"rangeHi": 20,
			"invert": true,
			"colormap": "viridis",
			"jpegQuality": 85
		},
		"cacheTtlSeconds": 120
	}`

	var cfg Config
	if err := json.Unmarshal([]byte(jsonData), &cfg); err != nil {
		t.Fatalf("json.Unmarshal error = %v", err)
	}

	if cfg.DBPath != "/test/db.sqlite" {
		t.Errorf("DBPath = %q; want %q", cfg.DBPath, "/test/db.sqlite")
	}
	if cfg.Depth.Variant != "large" {
		t.Errorf("Depth.Variant = %q; want %q", cfg.Depth.Variant, "large")
	}
	if cfg.Pipeline.NormalizePolicy != "fixed_range" {
		t.Errorf("Pipeline.NormalizePolicy = %q; want %q", cfg.Pipeline.NormalizePolicy, "fixed_range")
	}
	if cfg.Pipeline.RangeHi != 20 {
		t.Errorf("Pipeline.RangeHi = %f; want 20", cfg.Pipeline.RangeHi)
	}
	if !cfg.Pipeline.Invert {
		t.Error("Pipeline.Invert = false; want true")
	}
	if got := cfg.CacheTTL().Seconds(); got != 120 {
		t.Errorf("CacheTTL() = %gs; want 120s", got)
	}
}

// TestConfigConcurrency tests concurrent access to Get/Set
func TestConfigConcurrency(t *testing.T) {
	// Save original and restore after test
	original := Get()
	defer Set(original)

	done := make(chan bool)

	// Writer goroutine
	go func() {
		for i := 0; i < 100; i++ {
			Set(Config{DBPath: "/path"})
		}
		done <- true
	}()

	// Reader goroutine
	go func() {
		for i := 0; i < 100; i++ {
			_ = Get()
		}
		done <- true
	}()

	// Wait for both to complete
	<-done
	<-done
}
