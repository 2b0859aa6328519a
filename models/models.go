// Package models manages the Depth-Anything-V2 ONNX model files and the
// ONNX Runtime shared library the estimator loads at startup.
package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/stevecastle/grebe/depth"
	"github.com/stevecastle/grebe/downloads"
	"github.com/stevecastle/grebe/platform"
)

const (
	// onnxRuntimeVersion is pinned to a release known to work with the
	// exported Depth-Anything-V2 graphs.
	onnxRuntimeVersion = "1.22.0"

	huggingFaceBase = "https://huggingface.co/onnx-community/depth-anything-v2"
)

// Model describes one downloadable depth model variant.
type Model struct {
	Variant  depth.Variant
	Name     string
	FileName string
	URL      string
	// SizeBytes is approximate, used for progress display only.
	SizeBytes int64
}

// Registry returns the supported depth models.
func Registry() []Model {
	variants := []struct {
		v    depth.Variant
		name string
		size int64
	}{
		{depth.VariantSmall, "Depth Anything V2 Small", 100 * 1024 * 1024},
		{depth.VariantBase, "Depth Anything V2 Base", 390 * 1024 * 1024},
		{depth.VariantLarge, "Depth Anything V2 Large", 1300 * 1024 * 1024},
	}
	out := make([]Model, 0, len(variants))
	for _, it := range variants {
		file, err := it.v.ModelFileName()
		if err != nil {
			continue
		}
		out = append(out, Model{
			Variant:   it.v,
			Name:      it.name,
			FileName:  file,
			URL:       fmt.Sprintf("%s-%s/resolve/main/onnx/model.onnx", huggingFaceBase, it.v),
			SizeBytes: it.size,
		})
	}
	return out
}

// Lookup returns the registry entry for a variant.
func Lookup(v depth.Variant) (Model, error) {
	for _, m := range Registry() {
		if m.Variant == v {
			return m, nil
		}
	}
	return Model{}, fmt.Errorf("models: unknown variant %q", v)
}

// RuntimeLibName returns the ONNX Runtime library file name for this platform.
func RuntimeLibName() string {
	if runtime.GOOS == "windows" {
		return "onnxruntime.dll"
	}
	return "libonnxruntime" + platform.SharedLibExtension()
}

// RuntimeLibPath returns where the ONNX Runtime library is installed.
func RuntimeLibPath(modelsDir string) string {
	return filepath.Join(modelsDir, RuntimeLibName())
}

// runtimeArchiveURL builds the GitHub release URL for this OS and arch.
func runtimeArchiveURL(arch string) (string, error) {
	if arch != "amd64" && arch != "arm64" {
		return "", fmt.Errorf("models: unsupported architecture %s", arch)
	}
	ortArch := map[string]string{"amd64": "x64", "arm64": "aarch64"}[arch]
	base := "https://github.com/microsoft/onnxruntime/releases/download/v" + onnxRuntimeVersion

	switch runtime.GOOS {
	case "windows":
		if arch == "arm64" {
			ortArch = "arm64"
		}
		return fmt.Sprintf("%s/onnxruntime-win-%s-%s.zip", base, ortArch, onnxRuntimeVersion), nil
	case "darwin":
		return fmt.Sprintf("%s/onnxruntime-osx-%s-%s.tgz", base, map[string]string{"amd64": "x86_64", "arm64": "arm64"}[arch], onnxRuntimeVersion), nil
	default:
		return fmt.Sprintf("%s/onnxruntime-linux-%s-%s.tgz", base, ortArch, onnxRuntimeVersion), nil
	}
}

// Status reports which components are present on disk.
type Status struct {
	Variant        string `json:"variant"`
	ModelInstalled bool   `json:"modelInstalled"`
	ModelPath      string `json:"modelPath"`
	ModelVersion   string `json:"modelVersion,omitempty"`
	RuntimePresent bool   `json:"runtimePresent"`
	RuntimePath    string `json:"runtimePath"`
}

// Check inspects the models directory for a variant's model file and the
// runtime library.
func Check(modelsDir string, v depth.Variant) (Status, error) {
	m, err := Lookup(v)
	if err != nil {
		return Status{}, err
	}

	st := Status{
		Variant:     string(v),
		ModelPath:   filepath.Join(modelsDir, m.FileName),
		RuntimePath: RuntimeLibPath(modelsDir),
	}

	if _, err := os.Stat(st.ModelPath); err == nil {
		st.ModelInstalled = true
		if ver, err := fileVersion(st.ModelPath); err == nil {
			st.ModelVersion = ver
		}
	}
	if _, err := os.Stat(st.RuntimePath); err == nil {
		st.RuntimePresent = true
	}
	return st, nil
}

// fileVersion derives a short version string from the file's content hash.
func fileVersion(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil))[:12], nil
}

// DownloadModel fetches one model variant into modelsDir with resume and
// retry, reporting progress through the callback.
func DownloadModel(ctx context.Context, modelsDir string, v depth.Variant, progress downloads.ProgressCallback) error {
	m, err := Lookup(v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(modelsDir, 0755); err != nil {
		return fmt.Errorf("models: create directory: %w", err)
	}

	target := filepath.Join(modelsDir, m.FileName)
	tracker := downloads.NewSpeedTracker()

	report := func(downloaded, total int64) {
		if progress == nil {
			return
		}
		if total <= 0 {
			total = m.SizeBytes
		}
		percent := float64(0)
		if total > 0 {
			percent = float64(downloaded) / float64(total) * 100
		}
		progress(downloads.Progress{
			Status:          downloads.StatusDownloading,
			Message:         fmt.Sprintf("Downloading %s: %s / %s", m.FileName, downloads.FormatBytes(downloaded), downloads.FormatBytes(total)),
			BytesDownloaded: downloaded,
			TotalBytes:      total,
			Percent:         percent,
			Speed:           tracker.Update(downloaded),
		})
	}

	if err := downloads.DownloadWithRetry(ctx, target, m.URL, report); err != nil {
		return fmt.Errorf("models: download %s: %w", m.FileName, err)
	}
	return nil
}

// DownloadRuntime fetches the ONNX Runtime release archive and extracts the
// shared library into modelsDir.
func DownloadRuntime(ctx context.Context, modelsDir string, progress downloads.ProgressCallback) error {
	if err := os.MkdirAll(modelsDir, 0755); err != nil {
		return fmt.Errorf("models: create directory: %w", err)
	}

	url, err := runtimeArchiveURL(runtime.GOARCH)
	if err != nil {
		return err
	}

	// Keep the release file name so the archive type dispatch sees the
	// real extension.
	archive := filepath.Join(modelsDir, path.Base(url))

	if progress != nil {
		progress(downloads.Progress{Status: downloads.StatusDownloading, Message: "Downloading ONNX Runtime " + onnxRuntimeVersion + "..."})
	}
	if err := downloads.DownloadWithRetry(ctx, archive, url, nil); err != nil {
		return fmt.Errorf("models: download onnxruntime: %w", err)
	}
	defer os.Remove(archive)

	return InstallRuntimeArchive(modelsDir, archive, progress)
}

// runtimeExtractor picks the extraction routine for an archive by its
// file extension.
func runtimeExtractor(archivePath string) (func(string, string, downloads.MatchFunc, downloads.ProgressCallback) error, error) {
	lower := strings.ToLower(archivePath)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return downloads.ExtractFileFromZip, nil
	case strings.HasSuffix(lower, ".7z"):
		return downloads.ExtractFileFrom7z, nil
	case strings.HasSuffix(lower, ".tgz"), strings.HasSuffix(lower, ".tar.gz"):
		return downloads.ExtractFileFromTarGz, nil
	default:
		return nil, fmt.Errorf("models: unsupported archive type %q", filepath.Base(archivePath))
	}
}

// matchRuntimeLib accepts the versioned library entries inside official
// release archives as well as an exactly named library in a repacked
// one.
func matchRuntimeLib(name string) bool {
	return isRuntimeLibEntry(name) ||
		strings.EqualFold(path.Base(name), RuntimeLibName())
}

// InstallRuntimeArchive extracts the ONNX Runtime shared library from a
// local release archive (zip, 7z, or gzipped tar) into modelsDir. It
// backs both the online installer and offline installs from a
// pre-fetched archive.
func InstallRuntimeArchive(modelsDir, archivePath string, progress downloads.ProgressCallback) error {
	if err := os.MkdirAll(modelsDir, 0755); err != nil {
		return fmt.Errorf("models: create directory: %w", err)
	}
	extract, err := runtimeExtractor(archivePath)
	if err != nil {
		return err
	}
	if err := extract(archivePath, RuntimeLibPath(modelsDir), matchRuntimeLib, progress); err != nil {
		return fmt.Errorf("models: extract onnxruntime: %w", err)
	}
	return nil
}

// isRuntimeLibEntry matches the versioned main library inside the release
// tarball. Linux ships lib/libonnxruntime.so.<version>, macOS ships
// lib/libonnxruntime.<version>.dylib.
func isRuntimeLibEntry(name string) bool {
	if strings.Contains(name, "_providers_") {
		return false
	}
	if runtime.GOOS == "darwin" {
		return strings.Contains(name, "/lib/libonnxruntime.") && strings.HasSuffix(name, ".dylib")
	}
	return strings.Contains(name, "/lib/libonnxruntime.so.")
}

// InstallComponents returns the download descriptors for everything missing
// for the given variant, ready to hand to the download manager.
func InstallComponents(modelsDir string, v depth.Variant) ([]downloads.ComponentDownload, error) {
	st, err := Check(modelsDir, v)
	if err != nil {
		return nil, err
	}
	m, err := Lookup(v)
	if err != nil {
		return nil, err
	}

	var out []downloads.ComponentDownload
	if !st.ModelInstalled {
		out = append(out, downloads.ComponentDownload{
			ID:   "model-" + string(v),
			Name: m.Name,
			DownloadFn: func(ctx context.Context, cb downloads.ProgressCallback) error {
				return DownloadModel(ctx, modelsDir, v, cb)
			},
		})
	}
	if !st.RuntimePresent {
		out = append(out, downloads.ComponentDownload{
			ID:   "onnxruntime",
			Name: "ONNX Runtime",
			DownloadFn: func(ctx context.Context, cb downloads.ProgressCallback) error {
				return DownloadRuntime(ctx, modelsDir, cb)
			},
		})
	}
	return out, nil
}
