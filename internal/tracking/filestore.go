package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cairnml/cairn/internal/fault"
	"github.com/cairnml/cairn/internal/lockfile"
)

// FileStore satisfies Client against a local directory, for offline runs
// and tests. Each run is one JSON file under <root>/runs/; artifacts land
// under <root>/artifacts/<run_id>/. Tag writes take the run file's lock, so
// concurrent trial processes can share one store.
type FileStore struct {
	root   string
	logger *slog.Logger
}

type FileStoreOptions struct {
	Root   string
	Logger *slog.Logger
}

func NewFileStore(opts FileStoreOptions) (*FileStore, error) {
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		return nil, fault.Config("tracking.local_dir", "file store root is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{root: filepath.Clean(root), logger: logger}, nil
}

type storedRun struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Tags      map[string]string `json:"tags"`
	CreatedAt string            `json:"created_at"`
}

func (s storedRun) toRun() Run {
	tags := make(map[string]string, len(s.Tags))
	for k, v := range s.Tags {
		tags[k] = v
	}
	return Run{ID: s.ID, Name: s.Name, Tags: tags}
}

func (s *FileStore) runPath(runID string) string {
	return filepath.Join(s.root, "runs", runID+".json")
}

func (s *FileStore) CreateRun(_ context.Context, name, parentID string, tags map[string]string) (Run, error) {
	// MLflow run ids are 32 hex chars.
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	doc := storedRun{
		ID:        id,
		Name:      name,
		Tags:      make(map[string]string, len(tags)+1),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range tags {
		doc.Tags[k] = v
	}
	if parentID != "" {
		doc.Tags[TagParentRunID] = parentID
	}
	if err := os.MkdirAll(filepath.Dir(s.runPath(id)), 0o755); err != nil {
		return Run{}, fmt.Errorf("prepare run store: %w", err)
	}
	if err := s.writeRun(doc); err != nil {
		return Run{}, err
	}
	return doc.toRun(), nil
}

func (s *FileStore) SetTag(_ context.Context, runID, key, value string) error {
	path := s.runPath(runID)
	return lockfile.With(path, lockfile.Options{Logger: s.logger}, func() error {
		doc, err := s.readRun(runID)
		if err != nil {
			return err
		}
		if doc.Tags == nil {
			doc.Tags = make(map[string]string)
		}
		doc.Tags[key] = value
		return s.writeRun(doc)
	})
}

func (s *FileStore) GetRun(_ context.Context, runID string) (Run, error) {
	doc, err := s.readRun(runID)
	if err != nil {
		return Run{}, err
	}
	return doc.toRun(), nil
}

func (s *FileStore) SearchRuns(_ context.Context, tagFilter map[string]string) ([]Run, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "runs"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list run store: %w", err)
	}
	var runs []Run
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		doc, err := s.readRun(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			s.logger.Warn("skipping unreadable run file", "file", entry.Name())
			continue
		}
		if tagsMatch(doc.Tags, tagFilter) {
			runs = append(runs, doc.toRun())
		}
	}
	return runs, nil
}

// UploadArtifact copies a local file or tree into the run's artifact
// directory, under artifactPath. It satisfies ArtifactUploader.
func (s *FileStore) UploadArtifact(_ context.Context, runID, localPath, artifactPath string) error {
	if _, err := s.readRun(runID); err != nil {
		return err
	}
	info, err := os.Stat(localPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fault.NotFound(localPath, "artifact %s does not exist", localPath)
		}
		return fmt.Errorf("stat artifact: %w", err)
	}
	destRoot := filepath.Join(s.root, "artifacts", runID, filepath.FromSlash(artifactPath))
	if !info.IsDir() {
		return copyArtifact(localPath, filepath.Join(destRoot, filepath.Base(localPath)))
	}
	base := filepath.Base(localPath)
	return filepath.WalkDir(localPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(localPath, path)
		if err != nil {
			return err
		}
		return copyArtifact(path, filepath.Join(destRoot, base, rel))
	})
}

func (s *FileStore) readRun(runID string) (storedRun, error) {
	path := s.runPath(runID)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storedRun{}, fault.NotFound(path, "run %s not found", runID)
		}
		return storedRun{}, fmt.Errorf("read run %s: %w", runID, err)
	}
	var doc storedRun
	if err := json.Unmarshal(b, &doc); err != nil {
		return storedRun{}, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return doc, nil
}

func (s *FileStore) writeRun(doc storedRun) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run %s: %w", doc.ID, err)
	}
	if err := os.WriteFile(s.runPath(doc.ID), append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write run %s: %w", doc.ID, err)
	}
	return nil
}

func tagsMatch(tags, filter map[string]string) bool {
	for k, v := range filter {
		if tags[k] != v {
			return false
		}
	}
	return true
}

func copyArtifact(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("prepare artifact dir: %w", err)
	}
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
