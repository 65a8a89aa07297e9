package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/feedsync/internal/feed"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + feed cache)", result.Version)
	}
	if result.From != 2 {
		t.Errorf("from = %d, want 2", result.From)
	}
}

func TestMigrateFreshDatabase(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "fresh.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if !result.Changed || result.From != 0 || result.Version != 2 {
		t.Errorf("result = %+v, want changed from 0 to 2", result)
	}
}

func TestMigrateRefusesDirtySchema(t *testing.T) {
	db := testDB(t)
	if _, err := db.Exec(`UPDATE schema_migrations SET dirty = 1`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); !errors.Is(err, ErrDirty) {
		t.Fatalf("err = %v, want ErrDirty", err)
	}
}

func TestCredentials(t *testing.T) {
	db := testDB(t)

	if _, err := db.LoadCredentials(); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("empty load err = %v, want ErrNoCredentials", err)
	}

	if err := db.SaveCredentials(Credentials{Token: "t1", ViewerID: "u1", User: `{"id":"u1"}`}); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveCredentials(Credentials{Token: "t2", ViewerID: "u2"}); err != nil {
		t.Fatal(err)
	}
	c, err := db.LoadCredentials()
	if err != nil {
		t.Fatal(err)
	}
	if c.Token != "t2" || c.ViewerID != "u2" || c.User != "" {
		t.Errorf("credentials = %+v, want the second save only", c)
	}
	if c.UpdatedAt == 0 {
		t.Error("updated_at not set")
	}

	if err := db.ClearCredentials(); err != nil {
		t.Fatal(err)
	}
	if _, err := db.LoadCredentials(); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("after clear err = %v", err)
	}
}

func TestCheckpoints(t *testing.T) {
	db := testDB(t)

	if _, ok, err := db.GetCheckpoint("feed:home:cursor"); err != nil || ok {
		t.Fatalf("missing checkpoint = ok %v err %v", ok, err)
	}
	for _, v := range []string{"c1", "c2"} {
		if err := db.PutCheckpoint("feed:home:cursor", v); err != nil {
			t.Fatal(err)
		}
	}
	v, ok, err := db.GetCheckpoint("feed:home:cursor")
	if err != nil || !ok || v != "c2" {
		t.Errorf("checkpoint = %q %v %v, want c2", v, ok, err)
	}
	if err := db.ClearCheckpoints(); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := db.GetCheckpoint("feed:home:cursor"); ok {
		t.Error("checkpoint survived clear")
	}
}

func TestFeedCacheRoundTrip(t *testing.T) {
	db := testDB(t)
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	items := []feed.Item{
		{ID: "tmp-1", Body: "unconfirmed", Pending: true},
		{ID: "b", Body: "second", CreatedAt: created.Add(time.Minute), ReactionCount: 3, Visibility: feed.Friends},
		{ID: "a", Body: "first", CreatedAt: created, Attachments: []feed.Attachment{{URL: "https://x/y.png", Kind: "image"}}},
	}
	if err := db.SaveFeed("home", items); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveFeed("other", items[1:2]); err != nil {
		t.Fatal(err)
	}

	got, err := db.LoadFeed("home")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "a" {
		t.Fatalf("cached = %+v, want b,a without the pending item", got)
	}
	if got[0].ReactionCount != 3 || got[0].Visibility != feed.Friends || !got[0].CreatedAt.Equal(items[1].CreatedAt) {
		t.Errorf("b = %+v", got[0])
	}
	if len(got[1].Attachments) != 1 || got[1].Attachments[0].Kind != "image" {
		t.Errorf("a attachments = %+v", got[1].Attachments)
	}

	// Saving again replaces, it does not accumulate.
	if err := db.SaveFeed("home", items[2:]); err != nil {
		t.Fatal(err)
	}
	got, _ = db.LoadFeed("home")
	if len(got) != 1 {
		t.Errorf("after resave len = %d, want 1", len(got))
	}

	if err := db.ClearFeeds(); err != nil {
		t.Fatal(err)
	}
	got, _ = db.LoadFeed("other")
	if len(got) != 0 {
		t.Errorf("after clear len = %d", len(got))
	}
}
