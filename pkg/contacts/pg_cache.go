package contacts

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/birddigital/signalwire-callcard/pkg/calls"
)

// ============================================
// POSTGRES CONTACT INFO CACHE
// Local contacts first, then the directory, then the photo
// ============================================

// ErrNoNumber is returned when a call carries no number to look up
var ErrNoNumber = errors.New("call has no number")

// Querier is the subset of *pgxpool.Pool used by the stores in this repo
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGInfoCache implements InfoCache on Postgres and remembers results by number
type PGInfoCache struct {
	db Querier

	mu      sync.RWMutex
	entries map[string]ContactCacheEntry
}

// NewPGInfoCache creates a contact cache over db. A nil db resolves every
// call to its number alone.
func NewPGInfoCache(db Querier) *PGInfoCache {
	return &PGInfoCache{
		db:      db,
		entries: make(map[string]ContactCacheEntry),
	}
}

// EnsureSchema creates the lookup tables if they do not exist
func (c *PGInfoCache) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS contacts (
			number       TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			label        TEXT NOT NULL DEFAULT '',
			location     TEXT NOT NULL DEFAULT '',
			photo_id     TEXT NOT NULL DEFAULT '',
			person_uri   TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS directory_entries (
			number       TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			label        TEXT NOT NULL DEFAULT '',
			location     TEXT NOT NULL DEFAULT '',
			photo_id     TEXT NOT NULL DEFAULT '',
			person_uri   TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS contact_photos (
			photo_id     TEXT PRIMARY KEY,
			content_type TEXT NOT NULL,
			data         BYTEA NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS directory_views (
			person_uri TEXT NOT NULL,
			viewed_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range statements {
		if _, err := c.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure contacts schema: %w", err)
		}
	}
	return nil
}

// FindInfo implements InfoCache. Results are delivered on a new goroutine.
func (c *PGInfoCache) FindInfo(ctx context.Context, ident calls.CallIdentification, allowDirectoryLookup bool, cb InfoCallback) error {
	if ident.Number == "" {
		return ErrNoNumber
	}

	c.mu.RLock()
	cached, ok := c.entries[ident.Number]
	c.mu.RUnlock()

	if ok {
		go func() {
			cb.OnContactInfoComplete(ident.CallID, cached)
			if cached.Photo != nil {
				cb.OnImageLoadComplete(ident.CallID, cached)
			}
		}()
		return nil
	}

	go c.lookup(ctx, ident, allowDirectoryLookup, cb)
	return nil
}

// SendViewNotification implements DirectoryNotifier by recording the view
func (c *PGInfoCache) SendViewNotification(ctx context.Context, personURI string) error {
	_, err := c.db.Exec(ctx, `INSERT INTO directory_views (person_uri) VALUES ($1)`, personURI)
	if err != nil {
		return fmt.Errorf("failed to record directory view: %w", err)
	}
	return nil
}

// lookup runs both stages for one call
func (c *PGInfoCache) lookup(ctx context.Context, ident calls.CallIdentification, allowDirectoryLookup bool, cb InfoCallback) {
	row, lookupErr := c.queryContact(ctx, "contacts", ident.Number)
	if errors.Is(lookupErr, pgx.ErrNoRows) && allowDirectoryLookup {
		row, lookupErr = c.queryContact(ctx, "directory_entries", ident.Number)
	}
	if lookupErr != nil {
		if !errors.Is(lookupErr, pgx.ErrNoRows) {
			log.Printf("[ContactCache] Contact query for call %d failed: %v", ident.CallID, lookupErr)
		}
		row = contactRow{entry: ContactCacheEntry{Number: ident.Number}}
	}

	if ctx.Err() != nil {
		return
	}
	cb.OnContactInfoComplete(ident.CallID, row.entry)

	entry := row.entry
	if row.photoID != "" {
		photo, err := c.queryPhoto(ctx, row.photoID)
		if err != nil {
			log.Printf("[ContactCache] Photo %s for call %d failed: %v", row.photoID, ident.CallID, err)
		} else {
			entry.Photo = photo
		}
	}

	// Only successful lookups are remembered
	if lookupErr == nil {
		c.mu.Lock()
		c.entries[ident.Number] = entry
		c.mu.Unlock()
	}

	if entry.Photo != nil && ctx.Err() == nil {
		cb.OnImageLoadComplete(ident.CallID, entry)
	}
}

type contactRow struct {
	entry   ContactCacheEntry
	photoID string
}

// queryContact reads one row from contacts or directory_entries
func (c *PGInfoCache) queryContact(ctx context.Context, table, number string) (contactRow, error) {
	query := fmt.Sprintf(`
		SELECT number, display_name, label, location, photo_id, person_uri
		FROM %s
		WHERE number = $1
	`, pgx.Identifier{table}.Sanitize())

	if c.db == nil {
		return contactRow{}, pgx.ErrNoRows
	}

	var row contactRow
	err := c.db.QueryRow(ctx, query, number).Scan(
		&row.entry.Number,
		&row.entry.Name,
		&row.entry.Label,
		&row.entry.Location,
		&row.photoID,
		&row.entry.PersonURI,
	)
	if err != nil {
		return contactRow{}, err
	}
	return row, nil
}

// queryPhoto loads a stored contact photo
func (c *PGInfoCache) queryPhoto(ctx context.Context, photoID string) (*Image, error) {
	query := `
		SELECT content_type, data
		FROM contact_photos
		WHERE photo_id = $1
	`

	if c.db == nil {
		return nil, pgx.ErrNoRows
	}

	var img Image
	if err := c.db.QueryRow(ctx, query, photoID).Scan(&img.ContentType, &img.Data); err != nil {
		return nil, err
	}
	return &img, nil
}
