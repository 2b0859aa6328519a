package downloads

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bodgit/sevenzip"
	"github.com/stevecastle/grebe/platform"
)

// MatchFunc decides whether an archive entry is the file to extract.
type MatchFunc func(name string) bool

func reportExtracting(cb ProgressCallback, name string) {
	if cb != nil {
		cb(Progress{
			Status:  StatusExtracting,
			Message: fmt.Sprintf("Extracting %s...", filepath.Base(name)),
		})
	}
}

// writeEntry streams one archive entry to destPath and marks it
// executable; extracted runtime libraries must be loadable.
func writeEntry(r io.Reader, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("create directory for %s: %w", destPath, err)
	}
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", destPath, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("extract to %s: %w", destPath, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return platform.EnsureExecutable(destPath)
}

// ExtractFileFromZip pulls the first entry match accepts out of a zip
// archive into destPath.
func ExtractFileFromZip(archivePath, destPath string, match MatchFunc, progressCb ProgressCallback) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open zip archive: %w", err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		if file.FileInfo().IsDir() || !match(file.Name) {
			continue
		}
		reportExtracting(progressCb, file.Name)
		rc, err := file.Open()
		if err != nil {
			return fmt.Errorf("open %s in archive: %w", file.Name, err)
		}
		defer rc.Close()
		return writeEntry(rc, destPath)
	}
	return fmt.Errorf("no matching file in %s", archivePath)
}

// ExtractFileFrom7z pulls the first entry match accepts out of a 7z
// archive into destPath.
func ExtractFileFrom7z(archivePath, destPath string, match MatchFunc, progressCb ProgressCallback) error {
	reader, err := sevenzip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open 7z archive: %w", err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		if file.FileInfo().IsDir() || !match(file.Name) {
			continue
		}
		reportExtracting(progressCb, file.Name)
		rc, err := file.Open()
		if err != nil {
			return fmt.Errorf("open %s in archive: %w", file.Name, err)
		}
		defer rc.Close()
		return writeEntry(rc, destPath)
	}
	return fmt.Errorf("no matching file in %s", archivePath)
}

// ExtractFileFromTarGz pulls the first regular entry match accepts out
// of a gzipped tarball into destPath.
func ExtractFileFromTarGz(archivePath, destPath string, match MatchFunc, progressCb ProgressCallback) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("read gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar stream: %w", err)
		}
		if header.Typeflag != tar.TypeReg || !match(header.Name) {
			continue
		}
		reportExtracting(progressCb, header.Name)
		return writeEntry(tr, destPath)
	}
	return fmt.Errorf("no matching file in %s", archivePath)
}
