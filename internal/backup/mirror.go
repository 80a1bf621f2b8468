package backup

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/cairnml/cairn/internal/fault"
)

// Mirror stores backups as plain files under a root directory, the layout
// used when the durable store is a mounted drive.
type Mirror struct {
	root string
}

func NewMirror(root string) (*Mirror, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fault.Config("backup.mount_root", "mirror backup root is required")
	}
	return &Mirror{root: filepath.Clean(root)}, nil
}

func (m *Mirror) RemotePath(rel string) string {
	return filepath.Join(m.root, filepath.FromSlash(rel))
}

func (m *Mirror) Contains(localPath string) bool {
	rel, err := filepath.Rel(m.root, filepath.Clean(localPath))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func (m *Mirror) Put(_ context.Context, rel, localFile, _ string) error {
	dest := m.RemotePath(rel)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("prepare backup dir: %w", err)
	}
	return copyFile(localFile, dest)
}

// Digest hashes the mirrored file itself; the mirror holds full content, so
// no sidecar metadata is needed.
func (m *Mirror) Digest(_ context.Context, rel string) (string, bool, error) {
	path := m.RemotePath(rel)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("open backup %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", false, fmt.Errorf("hash backup %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), true, nil
}

func (m *Mirror) Get(_ context.Context, rel, localFile string) error {
	if err := os.MkdirAll(filepath.Dir(localFile), 0o755); err != nil {
		return fmt.Errorf("prepare restore dir: %w", err)
	}
	return copyFile(m.RemotePath(rel), localFile)
}

func (m *Mirror) List(_ context.Context, rel string) ([]string, error) {
	target := m.RemotePath(rel)
	info, err := os.Stat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat backup %s: %w", target, err)
	}
	if !info.IsDir() {
		return []string{rel}, nil
	}
	var rels []string
	err = filepath.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		fileRel, err := filepath.Rel(m.root, path)
		if err != nil {
			return err
		}
		rels = append(rels, filepath.ToSlash(fileRel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rels, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", dest, err)
	}
	return out.Close()
}
