// Package content manages the library of audio content devices can play.
package content

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/zuri-labs/zuri/internal/store"
)

// Item is one entry of the content library.
type Item struct {
	ContentID    string    `json:"content_id"`
	Title        string    `json:"title"`
	Type         string    `json:"type"`
	AgeRangeMin  int       `json:"age_range_min"`
	AgeRangeMax  int       `json:"age_range_max"`
	AgeRange     string    `json:"age_range"`
	Duration     int       `json:"duration"`
	FileURL      string    `json:"file_url"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	FileSize     int64     `json:"file_size"`
	Checksum     string    `json:"checksum,omitempty"`
	Description  string    `json:"description,omitempty"`
	Tags         []string  `json:"tags"`
	IsPremium    bool      `json:"is_premium"`
	CreatedAt    time.Time `json:"created_at"`
}

// Filter narrows List. Zero values do not filter.
type Filter struct {
	Type string
	// AgeMin keeps items suitable for children at least this old.
	AgeMin int
	// AgeMax keeps items suitable for children at most this old.
	AgeMax  int
	Premium *bool
}

// Catalog stores content items.
type Catalog struct {
	log zerolog.Logger
	db  *sql.DB
	now func() time.Time
}

// NewCatalog creates a Catalog backed by db.
func NewCatalog(log zerolog.Logger, db *sql.DB) *Catalog {
	return &Catalog{
		log: log.With().Str("component", "content").Logger(),
		db:  db,
		now: time.Now,
	}
}

const itemColumns = `content_id, title, type, age_range_min, age_range_max, duration, file_url,
	thumbnail_url, file_size, checksum, description, tags, is_premium, created_at`

// Add inserts a new item. A duplicate content id is a conflict.
func (c *Catalog) Add(ctx context.Context, it Item) (*Item, error) {
	if it.ContentID == "" || it.Title == "" || it.Type == "" || it.FileURL == "" {
		return nil, fmt.Errorf("content_id, title, type and file_url are required: %w", store.ErrInvalid)
	}
	if it.AgeRangeMin == 0 && it.AgeRangeMax == 0 {
		it.AgeRangeMin, it.AgeRangeMax = 3, 7
	}
	if it.AgeRangeMin > it.AgeRangeMax {
		return nil, fmt.Errorf("age range %d-%d is inverted: %w", it.AgeRangeMin, it.AgeRangeMax, store.ErrInvalid)
	}
	if it.Tags == nil {
		it.Tags = []string{}
	}
	tags, err := json.Marshal(it.Tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	it.CreatedAt = store.FromMillis(store.Millis(c.now()))
	it.AgeRange = ageRange(it.AgeRangeMin, it.AgeRangeMax)

	err = store.InTx(ctx, c.db, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM content WHERE content_id = ?`, it.ContentID).Scan(&one)
		if err == nil {
			return fmt.Errorf("content %s: %w", it.ContentID, store.ErrConflict)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup content: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO content (`+itemColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, it.ContentID, it.Title, it.Type, it.AgeRangeMin, it.AgeRangeMax, it.Duration, it.FileURL,
			store.NullString(it.ThumbnailURL), it.FileSize, store.NullString(it.Checksum),
			store.NullString(it.Description), string(tags), store.Flag(it.IsPremium), store.Millis(it.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert content: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.log.Info().Str("content_id", it.ContentID).Str("type", it.Type).Msg("content added")
	return &it, nil
}

// Get returns one item.
func (c *Catalog) Get(ctx context.Context, contentID string) (*Item, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM content WHERE content_id = ?`, contentID)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("content %s: %w", contentID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get content: %w", err)
	}
	return it, nil
}

// List returns items matching f, ordered by creation.
func (c *Catalog) List(ctx context.Context, f Filter) ([]Item, error) {
	var (
		where []string
		args  []any
	)
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.AgeMin > 0 {
		where = append(where, "age_range_max >= ?")
		args = append(args, f.AgeMin)
	}
	if f.AgeMax > 0 {
		where = append(where, "age_range_min <= ?")
		args = append(args, f.AgeMax)
	}
	if f.Premium != nil {
		where = append(where, "is_premium = ?")
		args = append(args, store.Flag(*f.Premium))
	}

	query := `SELECT ` + itemColumns + ` FROM content`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, content_id"

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list content: %w", err)
	}
	defer func() { _ = rows.Close() }()

	items := []Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan content: %w", err)
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

// Delete removes an item.
func (c *Catalog) Delete(ctx context.Context, contentID string) error {
	result, err := c.db.ExecContext(ctx, `DELETE FROM content WHERE content_id = ?`, contentID)
	if err != nil {
		return fmt.Errorf("delete content: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("content %s: %w", contentID, store.ErrNotFound)
	}
	c.log.Info().Str("content_id", contentID).Msg("content deleted")
	return nil
}

// Count returns the number of items in the library.
func (c *Catalog) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM content`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count content: %w", err)
	}
	return n, nil
}

func ageRange(lo, hi int) string {
	return strconv.Itoa(lo) + "-" + strconv.Itoa(hi)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (*Item, error) {
	var (
		it                              Item
		thumb, checksum, desc, tagsJSON sql.NullString
		premium, createdAt              int64
	)
	err := s.Scan(&it.ContentID, &it.Title, &it.Type, &it.AgeRangeMin, &it.AgeRangeMax, &it.Duration,
		&it.FileURL, &thumb, &it.FileSize, &checksum, &desc, &tagsJSON, &premium, &createdAt)
	if err != nil {
		return nil, err
	}
	it.ThumbnailURL = thumb.String
	it.Checksum = checksum.String
	it.Description = desc.String
	it.IsPremium = store.Bool(premium)
	it.CreatedAt = store.FromMillis(createdAt)
	it.AgeRange = ageRange(it.AgeRangeMin, it.AgeRangeMax)
	it.Tags = []string{}
	if tagsJSON.Valid && tagsJSON.String != "" {
		_ = json.Unmarshal([]byte(tagsJSON.String), &it.Tags)
	}
	return &it, nil
}
