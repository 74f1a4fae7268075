package library

import (
	"testing"
	"time"

	"github.com/soundleaf/soundleaf/internal/shared"
)

func setupIndex(t *testing.T) *Index {
	t.Helper()

	db, err := shared.NewDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ix, err := NewIndex(db)
	if err != nil {
		t.Fatalf("failed to create index: %v", err)
	}
	return ix
}

func TestAddAndHasAlbum(t *testing.T) {
	ix := setupIndex(t)

	have, err := ix.HasAlbum("Autechre", "Incunabula")
	if err != nil {
		t.Fatalf("HasAlbum: %v", err)
	}
	if have {
		t.Error("empty index reports an album")
	}

	if err := ix.AddAlbum("Autechre", "Incunabula", "sp:1"); err != nil {
		t.Fatalf("AddAlbum: %v", err)
	}

	have, err = ix.HasAlbum("Autechre", "Incunabula")
	if err != nil {
		t.Fatalf("HasAlbum: %v", err)
	}
	if !have {
		t.Error("added album not found")
	}
}

func TestAddAlbumIgnoresDuplicates(t *testing.T) {
	ix := setupIndex(t)

	if err := ix.AddAlbum("Autechre", "Incunabula", "sp:1"); err != nil {
		t.Fatalf("first AddAlbum: %v", err)
	}
	if err := ix.AddAlbum("Autechre", "Incunabula", "sp:2"); err != nil {
		t.Fatalf("second AddAlbum: %v", err)
	}

	albums, err := ix.Albums()
	if err != nil {
		t.Fatalf("Albums: %v", err)
	}
	if len(albums) != 1 {
		t.Fatalf("len(albums) = %d, want 1", len(albums))
	}
	// first write wins
	if albums[0].UpstreamID != "sp:1" {
		t.Errorf("UpstreamID = %q, want sp:1", albums[0].UpstreamID)
	}
}

func TestAlbumsOrdering(t *testing.T) {
	ix := setupIndex(t)

	for _, a := range []struct{ artist, name string }{
		{"Plaid", "Not for Threes"},
		{"Autechre", "Tri Repetae"},
		{"Autechre", "Amber"},
	} {
		if err := ix.AddAlbum(a.artist, a.name, ""); err != nil {
			t.Fatalf("AddAlbum: %v", err)
		}
	}

	albums, err := ix.Albums()
	if err != nil {
		t.Fatalf("Albums: %v", err)
	}

	want := []string{"Amber", "Tri Repetae", "Not for Threes"}
	if len(albums) != len(want) {
		t.Fatalf("len(albums) = %d, want %d", len(albums), len(want))
	}
	for i, name := range want {
		if albums[i].Name != name {
			t.Errorf("albums[%d].Name = %q, want %q", i, albums[i].Name, name)
		}
	}
}

func TestAddFileUpsertsByPath(t *testing.T) {
	ix := setupIndex(t)

	f := File{Path: "/dl/incomplete/a.flac", Artist: "Plaid", Title: "Eyen", Size: 100, Complete: false}
	if err := ix.AddFile(f); err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	// the download finished; same path, now complete
	f.Size = 4096
	f.Complete = true
	if err := ix.AddFile(f); err != nil {
		t.Fatalf("AddFile upsert: %v", err)
	}

	stale, err := ix.StalePartials(0)
	if err != nil {
		t.Fatalf("StalePartials: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("completed file still listed as a partial: %+v", stale)
	}
}

func TestStalePartials(t *testing.T) {
	ix := setupIndex(t)

	old := File{Path: "/dl/incomplete/old.flac", Artist: "a", Title: "t1", Complete: false, AddedAt: time.Now().Add(-48 * time.Hour)}
	fresh := File{Path: "/dl/incomplete/fresh.flac", Artist: "a", Title: "t2", Complete: false}
	done := File{Path: "/dl/music/done.flac", Artist: "a", Title: "t3", Complete: true, AddedAt: time.Now().Add(-48 * time.Hour)}

	for _, f := range []File{old, fresh, done} {
		if err := ix.AddFile(f); err != nil {
			t.Fatalf("AddFile(%s): %v", f.Path, err)
		}
	}

	stale, err := ix.StalePartials(24 * time.Hour)
	if err != nil {
		t.Fatalf("StalePartials: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("len(stale) = %d, want 1", len(stale))
	}
	if stale[0].Path != old.Path {
		t.Errorf("stale path = %q, want %q", stale[0].Path, old.Path)
	}
}

func TestRemoveFile(t *testing.T) {
	ix := setupIndex(t)

	f := File{Path: "/dl/incomplete/x.flac", Artist: "a", Title: "t", Complete: false, AddedAt: time.Now().Add(-time.Hour)}
	if err := ix.AddFile(f); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := ix.RemoveFile(f.Path); err != nil {
		t.Fatalf("RemoveFile: %v", err)
	}

	stale, err := ix.StalePartials(0)
	if err != nil {
		t.Fatalf("StalePartials: %v", err)
	}
	if len(stale) != 0 {
		t.Error("removed file still indexed")
	}

	// unknown paths are a no-op
	if err := ix.RemoveFile("/nope"); err != nil {
		t.Errorf("RemoveFile unknown path: %v", err)
	}
}

func TestDuplicates(t *testing.T) {
	ix := setupIndex(t)

	files := []File{
		{Path: "/m/a1.flac", Artist: "Plaid", Title: "Eyen", Complete: true},
		{Path: "/m/a2.flac", Artist: "Plaid", Title: "Eyen", Complete: true},
		{Path: "/m/a3.flac", Artist: "Plaid", Title: "Eyen", Complete: true},
		{Path: "/m/b1.flac", Artist: "Plaid", Title: "Ralome", Complete: true},
		{Path: "/m/c1.flac", Artist: "Autechre", Title: "Bike", Complete: true},
		{Path: "/m/c2.flac", Artist: "Autechre", Title: "Bike", Complete: false}, // partials never count
	}
	for _, f := range files {
		if err := ix.AddFile(f); err != nil {
			t.Fatalf("AddFile(%s): %v", f.Path, err)
		}
	}

	dupes, err := ix.Duplicates()
	if err != nil {
		t.Fatalf("Duplicates: %v", err)
	}
	if len(dupes) != 1 {
		t.Fatalf("len(dupes) = %d, want 1: %+v", len(dupes), dupes)
	}

	d := dupes[0]
	if d.Artist != "Plaid" || d.Title != "Eyen" || d.Count != 3 {
		t.Errorf("dupe group = %+v", d)
	}
	if len(d.Paths) != 3 {
		t.Errorf("len(paths) = %d, want 3", len(d.Paths))
	}
}

func TestSplitPaths(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"/a", 1},
		{"/a|/b", 2},
		{"/a|/b|/c", 3},
	}
	for _, tt := range tests {
		if got := splitPaths(tt.in); len(got) != tt.want {
			t.Errorf("splitPaths(%q) = %v, want %d parts", tt.in, got, tt.want)
		}
	}
}
