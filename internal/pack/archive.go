package pack

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// members is the in-memory form of a pack archive: file name -> content.
type members map[string][]byte

// isCompressed reports whether path names the single-file archive form.
func isCompressed(path string) bool {
	return strings.HasSuffix(path, ".tar.gz") || strings.HasSuffix(path, ".tgz")
}

// writeArchive materializes a pack at out, as a directory or a .tar.gz
// depending on the path suffix. The tarball form is written to a temp file
// and renamed so a crashed export never leaves a torn pack.
func writeArchive(out string, m members) error {
	if isCompressed(out) {
		return writeTarball(out, m)
	}
	return writeDir(out, m)
}

func writeDir(out string, m members) error {
	if err := os.MkdirAll(out, 0o755); err != nil {
		return fmt.Errorf("failed to create pack directory: %w", err)
	}
	for name, data := range m {
		if err := os.WriteFile(filepath.Join(out, name), data, 0o644); err != nil {
			return fmt.Errorf("failed to write pack member %s: %w", name, err)
		}
	}
	return nil
}

func writeTarball(out string, m members) error {
	tmp, err := os.CreateTemp(filepath.Dir(out), ".pack-*.tar.gz")
	if err != nil {
		return fmt.Errorf("failed to create temp archive: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	gz := gzip.NewWriter(tmp)
	tw := tar.NewWriter(gz)

	// Stable member order keeps identical exports byte-comparable.
	for _, name := range []string{ManifestFile, EventsFile, SummaryFile} {
		data, ok := m[name]
		if !ok {
			continue
		}
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o644,
			Size:    int64(len(data)),
			ModTime: time.Unix(0, 0),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("failed to write tar header %s: %w", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("failed to write tar member %s: %w", name, err)
		}
	}

	if err := tw.Close(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to finalize tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to finalize gzip: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close archive: %w", err)
	}
	if err := os.Rename(tmpName, out); err != nil {
		return fmt.Errorf("failed to move archive into place: %w", err)
	}
	tmpName = ""
	return nil
}

// readArchive loads a pack from either form into memory. Unknown members
// are ignored; a pack without a manifest is rejected by the caller.
func readArchive(in string) (members, error) {
	info, err := os.Stat(in)
	if err != nil {
		return nil, fmt.Errorf("pack not found: %w", err)
	}
	if info.IsDir() {
		return readDir(in)
	}
	return readTarball(in)
}

func readDir(in string) (members, error) {
	m := make(members)
	for _, name := range []string{ManifestFile, EventsFile, SummaryFile} {
		data, err := os.ReadFile(filepath.Join(in, name)) // #nosec G304
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read pack member %s: %w", name, err)
		}
		m[name] = data
	}
	return m, nil
}

func readTarball(in string) (members, error) {
	f, err := os.Open(in) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("failed to open pack archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("pack is not a gzip archive: %w", err)
	}
	defer gz.Close()

	m := make(members)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read pack archive: %w", err)
		}
		name := filepath.Base(hdr.Name)
		switch name {
		case ManifestFile, EventsFile, SummaryFile:
			var buf bytes.Buffer
			if _, err := io.Copy(&buf, tr); err != nil { // #nosec G110 - bounded pack members
				return nil, fmt.Errorf("failed to extract %s: %w", name, err)
			}
			m[name] = buf.Bytes()
		}
	}
	return m, nil
}
