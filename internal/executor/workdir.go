package executor

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tribunal/tribunal/internal/util"
)

// workdir is one task's on-disk sandbox. Source archives unpack into source,
// data archives into source/data; scripts and the stdin file live under
// download; result is scratch space for the task itself.
type workdir struct {
	root     string
	download string
	source   string
	data     string
	result   string
	uid      int
	gid      int
}

func newWorkdir(base, id string, uid, gid int) (*workdir, error) {
	root := filepath.Join(base, id)
	w := &workdir{
		root:     root,
		download: filepath.Join(root, "download"),
		source:   filepath.Join(root, "source"),
		data:     filepath.Join(root, "source", "data"),
		result:   filepath.Join(root, "result"),
		uid:      uid,
		gid:      gid,
	}
	for _, dir := range []string{w.download, w.source, w.data, w.result} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
		if err := w.chown(dir); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func (w *workdir) chown(path string) error {
	if w.uid == 0 {
		return nil
	}
	if err := os.Chown(path, w.uid, w.gid); err != nil {
		return fmt.Errorf("failed to chown %s: %w", path, err)
	}
	return nil
}

// extractSource unpacks the raw source archive into the source directory.
func (w *workdir) extractSource(archive []byte) error {
	return w.unzip(archive, w.source)
}

// extractData unpacks the raw data archive into source/data.
func (w *workdir) extractData(archive []byte) error {
	return w.unzip(archive, w.data)
}

func (w *workdir) unzip(archive []byte, dest string) error {
	r, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	for _, f := range r.File {
		target := filepath.Join(dest, filepath.Clean(f.Name))
		if !strings.HasPrefix(target, dest+string(os.PathSeparator)) && target != dest {
			return fmt.Errorf("archive entry %s escapes %s", f.Name, dest)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", target, err)
			}
			if err := w.chown(target); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", filepath.Dir(target), err)
		}
		src, err := f.Open()
		if err != nil {
			return fmt.Errorf("failed to open archive entry %s: %w", f.Name, err)
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode().Perm())
		if err != nil {
			src.Close()
			return fmt.Errorf("failed to create %s: %w", target, err)
		}
		_, err = io.Copy(out, src)
		src.Close()
		out.Close()
		if err != nil {
			return fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
		if err := w.chown(target); err != nil {
			return err
		}
	}
	return nil
}

// writeScript decompresses a command payload into an executable script under
// download and returns its path.
func (w *workdir) writeScript(name string, compressed []byte) (string, error) {
	content, err := util.Decompress(compressed)
	if err != nil {
		return "", fmt.Errorf("failed to decompress %s command: %w", name, err)
	}
	path := filepath.Join(w.download, name)
	if err := os.WriteFile(path, content, 0o755); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := w.chown(path); err != nil {
		return "", err
	}
	return path, nil
}

// writeStdin decompresses the task input into a file the run stage reads as
// standard input. An empty input yields an empty file.
func (w *workdir) writeStdin(compressed []byte) (string, error) {
	content, err := util.Decompress(compressed)
	if err != nil {
		return "", fmt.Errorf("failed to decompress task input: %w", err)
	}
	path := filepath.Join(w.download, "stdin")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := w.chown(path); err != nil {
		return "", err
	}
	return path, nil
}

func (w *workdir) cleanup() error {
	return os.RemoveAll(w.root)
}
