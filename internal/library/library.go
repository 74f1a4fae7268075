// package library maintains the local media index: which albums the
// bridge already holds, which files back them, and which incomplete
// downloads are lying around.
package library

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/soundleaf/soundleaf/internal/shared"
)

const schema = `
CREATE TABLE IF NOT EXISTS albums (
	id TEXT PRIMARY KEY,
	artist TEXT NOT NULL,
	name TEXT NOT NULL,
	upstream_id TEXT,
	added_at TIMESTAMP NOT NULL,
	UNIQUE(artist, name)
);
CREATE TABLE IF NOT EXISTS files (
	id TEXT PRIMARY KEY,
	album_id TEXT REFERENCES albums(id),
	path TEXT NOT NULL UNIQUE,
	artist TEXT NOT NULL,
	title TEXT NOT NULL,
	size INTEGER NOT NULL DEFAULT 0,
	complete INTEGER NOT NULL DEFAULT 1,
	added_at TIMESTAMP NOT NULL
)`

// Album is one album row in the index.
type Album struct {
	ID         string
	Artist     string
	Name       string
	UpstreamID string
	AddedAt    time.Time
}

// File is one file row in the index. Incomplete files are in-flight or
// abandoned downloads under the incomplete directory.
type File struct {
	ID       string
	AlbumID  string
	Path     string
	Artist   string
	Title    string
	Size     int64
	Complete bool
	AddedAt  time.Time
}

// Duplicate is a group of files sharing the same artist and title.
type Duplicate struct {
	Artist string
	Title  string
	Count  int
	Paths  []string
}

// Index wraps the SQLite tables backing the local library view.
type Index struct {
	db *sql.DB
}

// NewIndex creates the library tables if needed and returns an index over
// db.
func NewIndex(db *sql.DB) (*Index, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create library tables: %w", err)
	}
	return &Index{db: db}, nil
}

// AddAlbum records an album, ignoring exact duplicates.
func (ix *Index) AddAlbum(artist, name, upstreamID string) error {
	_, err := ix.db.Exec(`
		INSERT INTO albums (id, artist, name, upstream_id, added_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(artist, name) DO NOTHING`,
		shared.GenerateID(), artist, name, upstreamID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to insert album: %w", err)
	}
	return nil
}

// HasAlbum reports whether an album by this artist and name is indexed.
func (ix *Index) HasAlbum(artist, name string) (bool, error) {
	var count int
	err := ix.db.QueryRow(`SELECT COUNT(1) FROM albums WHERE artist = ? AND name = ?`, artist, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to query album: %w", err)
	}
	return count > 0, nil
}

// Albums lists every indexed album ordered by artist and name.
func (ix *Index) Albums() ([]Album, error) {
	rows, err := ix.db.Query(`SELECT id, artist, name, COALESCE(upstream_id, ''), added_at FROM albums ORDER BY artist, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list albums: %w", err)
	}
	defer rows.Close()

	var albums []Album
	for rows.Next() {
		var a Album
		if err := rows.Scan(&a.ID, &a.Artist, &a.Name, &a.UpstreamID, &a.AddedAt); err != nil {
			return nil, fmt.Errorf("failed to scan album: %w", err)
		}
		albums = append(albums, a)
	}
	return albums, rows.Err()
}

// AddFile records a file. complete=false marks an in-flight download
// under the incomplete directory.
func (ix *Index) AddFile(f File) error {
	if f.ID == "" {
		f.ID = shared.GenerateID()
	}
	if f.AddedAt.IsZero() {
		f.AddedAt = time.Now()
	}
	_, err := ix.db.Exec(`
		INSERT INTO files (id, album_id, path, artist, title, size, complete, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET size = excluded.size, complete = excluded.complete`,
		f.ID, nullable(f.AlbumID), f.Path, f.Artist, f.Title, f.Size, f.Complete, f.AddedAt)
	if err != nil {
		return fmt.Errorf("failed to insert file: %w", err)
	}
	return nil
}

// RemoveFile deletes a file row by path. Unknown paths are a no-op.
func (ix *Index) RemoveFile(path string) error {
	if _, err := ix.db.Exec(`DELETE FROM files WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// StalePartials lists incomplete files added before the cutoff, i.e.
// downloads the peer daemon abandoned without the bridge noticing.
func (ix *Index) StalePartials(olderThan time.Duration) ([]File, error) {
	cutoff := time.Now().Add(-olderThan)
	rows, err := ix.db.Query(`
		SELECT id, COALESCE(album_id, ''), path, artist, title, size, complete, added_at
		FROM files WHERE complete = 0 AND added_at < ? ORDER BY added_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale partials: %w", err)
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.ID, &f.AlbumID, &f.Path, &f.Artist, &f.Title, &f.Size, &f.Complete, &f.AddedAt); err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// Duplicates groups complete files sharing an artist and title.
func (ix *Index) Duplicates() ([]Duplicate, error) {
	rows, err := ix.db.Query(`
		SELECT artist, title, COUNT(1) AS n, GROUP_CONCAT(path, '|')
		FROM files WHERE complete = 1
		GROUP BY artist, title HAVING n > 1
		ORDER BY n DESC, artist, title`)
	if err != nil {
		return nil, fmt.Errorf("failed to query duplicates: %w", err)
	}
	defer rows.Close()

	var dupes []Duplicate
	for rows.Next() {
		var d Duplicate
		var paths string
		if err := rows.Scan(&d.Artist, &d.Title, &d.Count, &paths); err != nil {
			return nil, fmt.Errorf("failed to scan duplicate: %w", err)
		}
		d.Paths = splitPaths(paths)
		dupes = append(dupes, d)
	}
	return dupes, rows.Err()
}

func splitPaths(joined string) []string {
	if joined == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(joined); i++ {
		if joined[i] == '|' {
			out = append(out, joined[start:i])
			start = i + 1
		}
	}
	return append(out, joined[start:])
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
