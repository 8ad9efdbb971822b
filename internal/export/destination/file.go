package destination

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileDestination writes export documents under a directory, one file per
// execution named telemetry_<ISO8601>.<ext>. The directory is created on
// first delivery.
type FileDestination struct {
	dir string
}

// NewFileDestination constructs a file destination.
func NewFileDestination(dir string) (*FileDestination, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("destination: empty directory")
	}
	return &FileDestination{dir: dir}, nil
}

func (d *FileDestination) Deliver(ctx context.Context, p Payload) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", fmt.Errorf("destination: create dir: %w", err)
	}
	ts := time.UnixMilli(p.GeneratedAt).UTC().Format("2006-01-02T15-04-05.000Z")
	path := filepath.Join(d.dir, fmt.Sprintf("telemetry_%s.%s", ts, p.Extension))
	if err := os.WriteFile(path, p.Body, 0o644); err != nil {
		return "", fmt.Errorf("destination: write file: %w", err)
	}
	return path, nil
}
