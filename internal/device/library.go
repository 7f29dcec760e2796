package device

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/zuri-labs/zuri/internal/content"
	bolt "go.etcd.io/bbolt"
)

var contentBucket = []byte("content")

// ErrChecksumMismatch is returned when a download does not match the
// catalog checksum. The partial file is removed.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// LocalContent is a downloaded item.
type LocalContent struct {
	ContentID    string    `json:"content_id"`
	Title        string    `json:"title"`
	FilePath     string    `json:"file_path"`
	Checksum     string    `json:"checksum"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// Fetcher opens remote content.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

// Library is the on-device content cache. Files live in dir; the index is
// a bbolt database next to them.
type Library struct {
	dir string
	db  *bolt.DB
	log zerolog.Logger
	now func() time.Time
}

// OpenLibrary opens or creates the cache under dir.
func OpenLibrary(dir string, log zerolog.Logger) (*Library, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create content dir: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dir, "library.db"), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open content index: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(contentBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init content index: %w", err)
	}

	return &Library{
		dir: dir,
		db:  db,
		log: log.With().Str("component", "library").Logger(),
		now: time.Now,
	}, nil
}

// Close closes the index.
func (l *Library) Close() error {
	return l.db.Close()
}

// Get returns the indexed entry for id if its file is still on disk.
func (l *Library) Get(id string) (LocalContent, bool) {
	var lc LocalContent
	found := false
	_ = l.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(contentBucket).Get([]byte(id))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &lc); err != nil {
			return err
		}
		found = true
		return nil
	})
	if !found {
		return LocalContent{}, false
	}
	if _, err := os.Stat(lc.FilePath); err != nil {
		return LocalContent{}, false
	}
	return lc, true
}

// List returns every indexed entry.
func (l *Library) List() ([]LocalContent, error) {
	var out []LocalContent
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(contentBucket).ForEach(func(_, v []byte) error {
			var lc LocalContent
			if err := json.Unmarshal(v, &lc); err != nil {
				return err
			}
			out = append(out, lc)
			return nil
		})
	})
	return out, err
}

// Remove drops an entry and its file.
func (l *Library) Remove(id string) error {
	lc, _ := l.Get(id)
	err := l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(contentBucket).Delete([]byte(id))
	})
	if err != nil {
		return err
	}
	if lc.FilePath != "" {
		if err := os.Remove(lc.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Download fetches item into the cache, verifying its SHA-256 checksum when
// the catalog has one.
func (l *Library) Download(ctx context.Context, f Fetcher, item content.Item) (LocalContent, error) {
	if item.FileURL == "" {
		return LocalContent{}, fmt.Errorf("content %s has no file url", item.ContentID)
	}

	body, err := f.Fetch(ctx, item.FileURL)
	if err != nil {
		return LocalContent{}, fmt.Errorf("fetch %s: %w", item.ContentID, err)
	}
	defer body.Close()

	path := l.path(item.ContentID)
	tmp, err := os.CreateTemp(l.dir, item.ContentID+".*.part")
	if err != nil {
		return LocalContent{}, err
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	_, err = io.Copy(io.MultiWriter(tmp, h), body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return LocalContent{}, fmt.Errorf("download %s: %w", item.ContentID, err)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	if item.Checksum != "" && !strings.EqualFold(sum, item.Checksum) {
		l.log.Warn().Str("content_id", item.ContentID).Str("want", item.Checksum).Str("got", sum).Msg("checksum mismatch")
		return LocalContent{}, fmt.Errorf("content %s: %w", item.ContentID, ErrChecksumMismatch)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return LocalContent{}, err
	}

	lc := LocalContent{
		ContentID:    item.ContentID,
		Title:        item.Title,
		FilePath:     path,
		Checksum:     sum,
		DownloadedAt: l.now().UTC(),
	}
	data, err := json.Marshal(lc)
	if err != nil {
		return LocalContent{}, err
	}
	err = l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(contentBucket).Put([]byte(lc.ContentID), data)
	})
	if err != nil {
		return LocalContent{}, fmt.Errorf("index %s: %w", item.ContentID, err)
	}

	l.log.Info().Str("content_id", item.ContentID).Msg("content downloaded")
	return lc, nil
}

func (l *Library) path(id string) string {
	return filepath.Join(l.dir, filepath.Base(id)+".mp3")
}
