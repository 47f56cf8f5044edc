// Package capture turns image files dropped into an inbox directory into
// pending media_assets records. Files are identified by content hash,
// so rescans and renames never produce duplicates.
package capture

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alexjbarnes/farm-sync/internal/models"
	"github.com/fsnotify/fsnotify"
)

const (
	// inboxDirPerm is the permission mode for the inbox directory.
	inboxDirPerm = fs.FileMode(0o755)

	// debounceInterval batches rapid writes so a file is only hashed
	// once it stops changing.
	debounceInterval = 500 * time.Millisecond
)

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".heic": true,
}

// Store is the part of the Local Store the inbox writes to.
type Store interface {
	FindByBusinessKey(resource models.Resource, key string) (*models.Record, error)
	Create(resource models.Resource, name, businessKey string, data json.RawMessage, refs []models.Ref) (models.Record, error)
}

// asset is the payload uploaded for a captured image.
type asset struct {
	Checksum   string    `json:"checksum"`
	FileName   string    `json:"fileName"`
	Size       int64     `json:"size"`
	MimeType   string    `json:"mimeType"`
	CapturedAt time.Time `json:"capturedAt"`
	LocalPath  string    `json:"localPath"`
}

// Inbox watches a directory for new images.
type Inbox struct {
	dir      string
	store    Store
	logger   *slog.Logger
	captured func(models.Record)
	debounce time.Duration
}

// New creates an inbox over dir. captured is called for each new record
// and may be nil.
func New(dir string, st Store, captured func(models.Record), logger *slog.Logger) *Inbox {
	return &Inbox{
		dir:      dir,
		store:    st,
		logger:   logger.With(slog.String("component", "capture"), slog.String("dir", dir)),
		captured: captured,
		debounce: debounceInterval,
	}
}

// IsImage reports whether path has a supported image extension.
func IsImage(path string) bool {
	return imageExts[strings.ToLower(filepath.Ext(path))]
}

// Scan ingests every image already in the inbox and returns how many
// new records were created.
func (in *Inbox) Scan() (int, error) {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return 0, fmt.Errorf("reading inbox: %w", err)
	}

	created := 0

	for _, e := range entries {
		if e.IsDir() || !IsImage(e.Name()) {
			continue
		}

		ok, err := in.Ingest(filepath.Join(in.dir, e.Name()))
		if err != nil {
			in.logger.Warn("ingesting file", slog.String("file", e.Name()), slog.String("error", err.Error()))
			continue
		}

		if ok {
			created++
		}
	}

	return created, nil
}

// Ingest creates a pending media record for path unless one with the
// same checksum exists. Returns whether a record was created.
func (in *Inbox) Ingest(path string) (bool, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return false, err
	}

	if !info.Mode().IsRegular() {
		return false, nil
	}

	sum, err := checksum(path)
	if err != nil {
		return false, err
	}

	existing, err := in.store.FindByBusinessKey(models.MediaAssets, sum)
	if err != nil {
		return false, fmt.Errorf("looking up checksum: %w", err)
	}

	if existing != nil {
		in.logger.Debug("already captured", slog.String("file", filepath.Base(path)))
		return false, nil
	}

	data, err := json.Marshal(asset{
		Checksum:   sum,
		FileName:   filepath.Base(path),
		Size:       info.Size(),
		MimeType:   mimeType(path),
		CapturedAt: info.ModTime().UTC(),
		LocalPath:  path,
	})
	if err != nil {
		return false, err
	}

	rec, err := in.store.Create(models.MediaAssets, filepath.Base(path), sum, data, nil)
	if err != nil {
		return false, err
	}

	in.logger.Info("image captured", slog.String("file", filepath.Base(path)), slog.String("local_id", rec.LocalID))

	if in.captured != nil {
		in.captured(rec)
	}

	return true, nil
}

// Watch scans the inbox and then ingests new images as they settle.
// Blocks until ctx is done.
func (in *Inbox) Watch(ctx context.Context) error {
	if err := os.MkdirAll(in.dir, inboxDirPerm); err != nil {
		return fmt.Errorf("creating inbox: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(in.dir); err != nil {
		return fmt.Errorf("watching inbox: %w", err)
	}

	if n, err := in.Scan(); err != nil {
		in.logger.Warn("initial scan", slog.String("error", err.Error()))
	} else if n > 0 {
		in.logger.Info("initial scan captured images", slog.Int("count", n))
	}

	in.logger.Info("capture inbox watching")

	pending := make(map[string]time.Time)

	ticker := time.NewTicker(in.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if !IsImage(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			in.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()

			for path, last := range pending {
				if now.Sub(last) < in.debounce {
					continue
				}

				delete(pending, path)

				if _, err := in.Ingest(path); err != nil && !os.IsNotExist(err) {
					in.logger.Warn("ingesting file", slog.String("file", filepath.Base(path)), slog.String("error", err.Error()))
				}
			}
		}
	}
}

func checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", filepath.Base(path), err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func mimeType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".heic":
		return "image/heic"
	default:
		return "image/jpeg"
	}
}
