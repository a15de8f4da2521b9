package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/JakeFAU/convograph-crawler/internal/crawler"
)

func TestDocumentStoreInsertSkipsDuplicates(t *testing.T) {
	t.Parallel()

	store := NewDocumentStore()
	ctx := context.Background()
	if err := store.InsertMany(ctx, "tweets", []crawler.Document{{"id": "1"}, {"id": "2"}}); err != nil {
		t.Fatalf("InsertMany() error = %v", err)
	}
	err := store.InsertMany(ctx, "tweets", []crawler.Document{{"id": "2"}, {"id": "3"}})
	if !errors.Is(err, crawler.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if got := store.Count("tweets"); got != 3 {
		t.Fatalf("expected 3 documents after partial insert, got %d", got)
	}
	if err := store.InsertMany(ctx, "tweets", []crawler.Document{{"text": "no id"}}); err == nil {
		t.Fatal("expected error for document without id")
	}
}

func TestDocumentStoreInsertRejectsWholeBatchWithoutID(t *testing.T) {
	t.Parallel()

	store := NewDocumentStore()
	err := store.InsertMany(context.Background(), "tweets", []crawler.Document{{"id": "1"}, {"text": "no id"}, {"id": "2"}})
	if err == nil {
		t.Fatal("expected error for document without id")
	}
	if got := store.Count("tweets"); got != 0 {
		t.Fatalf("expected no documents from a rejected batch, got %d", got)
	}
}

func TestDocumentStoreFindFilters(t *testing.T) {
	t.Parallel()

	store := NewDocumentStore()
	ctx := context.Background()
	docs := []crawler.Document{
		{"id": "1", "likes_crawled": false, "public_metrics": map[string]any{"like_count": float64(3)}},
		{"id": "2", "likes_crawled": false, "public_metrics": map[string]any{"like_count": float64(0)}},
		{"id": "3", "likes_crawled": true, "public_metrics": map[string]any{"like_count": float64(9)}},
		{"id": "4", "public_metrics": map[string]any{"like_count": float64(1)}},
	}
	if err := store.InsertMany(ctx, "tweets", docs); err != nil {
		t.Fatalf("InsertMany() error = %v", err)
	}

	pending, err := store.Find(ctx, "tweets", crawler.Filter{
		Unset: "likes_crawled", Counter: "public_metrics.like_count", Match: crawler.CounterPositive,
	})
	if err != nil || len(pending) != 1 || pending[0].ID() != "1" {
		t.Fatalf("unexpected pending result: %v err=%v", pending, err)
	}
	zero, err := store.Find(ctx, "tweets", crawler.Filter{
		Unset: "likes_crawled", Counter: "public_metrics.like_count", Match: crawler.CounterZero,
		Projection: []string{"id"},
	})
	if err != nil || len(zero) != 1 || zero[0].ID() != "2" {
		t.Fatalf("unexpected zero-count result: %v err=%v", zero, err)
	}
	if _, ok := zero[0]["public_metrics"]; ok {
		t.Fatal("expected projection to drop unrequested fields")
	}
}

func TestDocumentStoreFindOne(t *testing.T) {
	t.Parallel()

	store := NewDocumentStore()
	ctx := context.Background()
	if _, err := store.FindOne(ctx, "users", crawler.Filter{ID: "1"}); !errors.Is(err, crawler.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty collection, got %v", err)
	}
	if err := store.InsertMany(ctx, "users", []crawler.Document{{"id": "1", "username": "alice"}}); err != nil {
		t.Fatalf("InsertMany() error = %v", err)
	}
	doc, err := store.FindOne(ctx, "users", crawler.Filter{ID: "1"})
	if err != nil || doc.String("username") != "alice" {
		t.Fatalf("FindOne() = %v, %v", doc, err)
	}
	doc["username"] = "mallory"
	again, _ := store.FindOne(ctx, "users", crawler.Filter{ID: "1"})
	if again.String("username") != "alice" {
		t.Fatal("expected FindOne to return a copy")
	}
}

func TestDocumentStoreUpdateAndPushUnique(t *testing.T) {
	t.Parallel()

	store := NewDocumentStore()
	ctx := context.Background()
	if err := store.InsertMany(ctx, "users", []crawler.Document{{"id": "u1", "liked": []any{}}}); err != nil {
		t.Fatalf("InsertMany() error = %v", err)
	}
	for range 2 {
		if err := store.PushUnique(ctx, "users", "u1", "liked", "t1"); err != nil {
			t.Fatalf("PushUnique() error = %v", err)
		}
	}
	if err := store.PushUnique(ctx, "users", "u1", "retweeted", "t2"); err != nil {
		t.Fatalf("PushUnique() on missing field error = %v", err)
	}
	if err := store.UpdateSet(ctx, "users", "u1", map[string]any{"timeline_crawled": true, "meta.pass": 2}); err != nil {
		t.Fatalf("UpdateSet() error = %v", err)
	}

	doc, _ := store.FindOne(ctx, "users", crawler.Filter{ID: "u1"})
	liked, _ := doc["liked"].([]any)
	if len(liked) != 1 || liked[0] != "t1" {
		t.Fatalf("expected single liked entry, got %v", doc["liked"])
	}
	if retweeted, _ := doc["retweeted"].([]any); len(retweeted) != 1 {
		t.Fatalf("expected retweeted entry, got %v", doc["retweeted"])
	}
	if v, _ := doc.Bool("timeline_crawled"); !v {
		t.Fatal("expected timeline_crawled set")
	}
	if doc.Int("meta.pass") != 2 {
		t.Fatalf("expected nested set, got %v", doc["meta"])
	}
	if err := store.UpdateSet(ctx, "users", "missing", map[string]any{"x": 1}); !errors.Is(err, crawler.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
