package convert

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// zipSegments packages every .ts and .m3u8 file directly under dir
// into zipPath, mirroring packageTsAndM3u8ToZip.
func zipSegments(dir, zipPath string) error {
	f, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	defer zw.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".ts") && !strings.HasSuffix(name, ".m3u8") {
			continue
		}
		if err := addFileToZip(zw, filepath.Join(dir, name), name); err != nil {
			return err
		}
	}
	return nil
}

func addFileToZip(zw *zip.Writer, path, name string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

// cleanupWorkDir removes every file in dir except keyPath and zipPath,
// mirroring cleanupWorkDir's "keep only video.key and the zip" policy.
func cleanupWorkDir(dir, keyPath, zipPath string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	var firstErr error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if p == keyPath || p == zipPath {
			continue
		}
		if err := os.Remove(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
