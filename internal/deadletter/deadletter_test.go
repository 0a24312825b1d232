package deadletter

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
)

func getTestRedisURL() string {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6380"
	}
	return url
}

func TestQueue_PushAndList(t *testing.T) {
	queue, err := NewQueue(getTestRedisURL())
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer queue.Close()

	ctx := context.Background()
	jobID := "job_test_" + uuid.New().String()

	entry := &Entry{
		JobID:      jobID,
		ChannelID:  "UCabc123",
		ItemID:     "vid01",
		Title:      "Unavailable Video",
		SourceURL:  "https://www.youtube.com/watch?v=vid01",
		Attempts:   3,
		ErrorClass: "transient_network",
		Error:      "connection reset by peer",
	}

	if err := queue.Push(ctx, entry); err != nil {
		t.Fatalf("Failed to push entry: %v", err)
	}

	if entry.EntryID == "" {
		t.Error("Push should assign an entry ID")
	}
	if entry.FailedAt.IsZero() {
		t.Error("Push should stamp FailedAt")
	}

	entries, err := queue.List(ctx, jobID, 10)
	if err != nil {
		t.Fatalf("Failed to list entries: %v", err)
	}

	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	got := entries[0]
	if got.ItemID != entry.ItemID {
		t.Errorf("Expected item ID %s, got %s", entry.ItemID, got.ItemID)
	}
	if got.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", got.Attempts)
	}
	if got.ErrorClass != "transient_network" {
		t.Errorf("Expected error class transient_network, got %s", got.ErrorClass)
	}

	// Clean up
	queue.Client().Del(ctx, keyPrefix+jobID)
}

func TestQueue_NewestFirst(t *testing.T) {
	queue, err := NewQueue(getTestRedisURL())
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer queue.Close()

	ctx := context.Background()
	jobID := "job_test_" + uuid.New().String()

	for _, itemID := range []string{"vid01", "vid02", "vid03"} {
		err := queue.Push(ctx, &Entry{
			JobID:      jobID,
			ChannelID:  "UCabc123",
			ItemID:     itemID,
			ErrorClass: "validation",
			Error:      "bad item",
		})
		if err != nil {
			t.Fatalf("Failed to push entry: %v", err)
		}
	}

	entries, err := queue.List(ctx, jobID, 2)
	if err != nil {
		t.Fatalf("Failed to list entries: %v", err)
	}

	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries with limit 2, got %d", len(entries))
	}
	if entries[0].ItemID != "vid03" {
		t.Errorf("Expected newest entry first, got %s", entries[0].ItemID)
	}

	length, err := queue.Length(ctx, jobID)
	if err != nil {
		t.Fatalf("Failed to get length: %v", err)
	}
	if length != 3 {
		t.Errorf("Expected length 3, got %d", length)
	}

	// Clean up
	queue.Client().Del(ctx, keyPrefix+jobID)
}

func TestQueue_PushRequiresJobID(t *testing.T) {
	queue, err := NewQueue(getTestRedisURL())
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer queue.Close()

	err = queue.Push(context.Background(), &Entry{ItemID: "vid01"})
	if err == nil {
		t.Error("Push without a job ID should fail")
	}
}

func TestQueue_ListEmpty(t *testing.T) {
	queue, err := NewQueue(getTestRedisURL())
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer queue.Close()

	entries, err := queue.List(context.Background(), "job_never_existed", 10)
	if err != nil {
		t.Fatalf("List on missing job should not error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected 0 entries, got %d", len(entries))
	}
}
