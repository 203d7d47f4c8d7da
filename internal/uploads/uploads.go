// Package uploads stores image attachments on the local filesystem and
// optionally expires them after a retention window.
package uploads

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentbus/agentbus/internal/common/logger"
)

// sweepInterval is how often the retention sweeper re-scans the upload dir.
const sweepInterval = time.Hour

var allowedExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
	".svg":  true,
}

// Store saves uploaded images under dir with opaque names. A retention of 0
// keeps files indefinitely; maxTotalBytes of 0 means unbounded.
type Store struct {
	dir           string
	retention     time.Duration
	maxTotalBytes int64
	logger        *logger.Logger
}

// NewStore creates an upload store rooted at dir.
func NewStore(dir string, retentionDays, maxTotalMB int, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	return &Store{
		dir:           dir,
		retention:     time.Duration(retentionDays) * 24 * time.Hour,
		maxTotalBytes: int64(maxTotalMB) * 1024 * 1024,
		logger:        log,
	}, nil
}

// Dir returns the filesystem root served at /static/uploads.
func (s *Store) Dir() string {
	return s.dir
}

// SaveImage writes an uploaded file under a fresh UUID name, preserving the
// extension, and returns the public URL plus the original filename.
func (s *Store) SaveImage(header *multipart.FileHeader) (url, name string, err error) {
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedExtensions[ext] {
		return "", "", fmt.Errorf("unsupported image type %q", ext)
	}
	if s.maxTotalBytes > 0 {
		used, err := s.totalSize()
		if err != nil {
			return "", "", err
		}
		if used+header.Size > s.maxTotalBytes {
			return "", "", fmt.Errorf("upload storage limit exceeded")
		}
	}

	src, err := header.Open()
	if err != nil {
		return "", "", err
	}
	defer func() { _ = src.Close() }()

	filename := uuid.New().String() + ext
	dst, err := os.Create(filepath.Join(s.dir, filename))
	if err != nil {
		return "", "", err
	}
	defer func() { _ = dst.Close() }()

	if _, err := io.Copy(dst, src); err != nil {
		return "", "", err
	}

	return "/static/uploads/" + filename, header.Filename, nil
}

// Run drives the retention sweeper until the context is cancelled. With no
// retention configured it returns immediately; uploads are then kept forever.
func (s *Store) Run(ctx context.Context) error {
	if s.retention <= 0 {
		return nil
	}
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	s.sweep()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	cutoff := time.Now().Add(-s.retention)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("upload retention sweep failed", zap.Error(err))
		return
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		s.logger.Info("expired uploads removed", zap.Int("count", removed))
	}
}

func (s *Store) totalSize() (int64, error) {
	var total int64
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}
