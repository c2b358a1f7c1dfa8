package history

import (
	"context"
	"testing"

	"github.com/ent0n29/rafiqa/internal/conversation"
)

func TestFromConversationRedactsAndOrders(t *testing.T) {
	records := FromConversation("client-1", "sess-1", []conversation.HistoryEntry{
		{Role: conversation.RoleUser, Text: "email me at jane@example.com"},
		{Role: conversation.RoleModel, Text: "Done.", Image: "data:image/png;base64,AA"},
	})
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	if records[0].Text != "email me at [REDACTED_EMAIL]" || !records[0].PIIRedacted {
		t.Fatalf("records[0] = %+v, want redacted email", records[0])
	}
	if records[1].PIIRedacted || records[1].Seq != 1 || records[1].Image == "" {
		t.Fatalf("records[1] = %+v", records[1])
	}
	if records[1].Role != "model" || records[1].SessionID != "sess-1" {
		t.Fatalf("records[1] = %+v", records[1])
	}
}

func TestInMemoryStoreRecent(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	first := FromConversation("a", "s1", []conversation.HistoryEntry{
		{Role: conversation.RoleUser, Text: "one"},
		{Role: conversation.RoleModel, Text: "two"},
	})
	second := FromConversation("a", "s2", []conversation.HistoryEntry{
		{Role: conversation.RoleUser, Text: "three"},
	})
	if err := store.SaveTurns(ctx, first); err != nil {
		t.Fatalf("SaveTurns() error = %v", err)
	}
	if err := store.SaveTurns(ctx, second); err != nil {
		t.Fatalf("SaveTurns() error = %v", err)
	}
	if err := store.SaveTurns(ctx, FromConversation("b", "s3", []conversation.HistoryEntry{{Role: conversation.RoleUser, Text: "other"}})); err != nil {
		t.Fatalf("SaveTurns() error = %v", err)
	}

	got, err := store.Recent(ctx, "a", 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 2 || got[0].Text != "two" || got[1].Text != "three" {
		t.Fatalf("Recent() = %+v, want [two three]", got)
	}
	if got[0].ID == "" {
		t.Fatalf("Recent()[0].ID is empty, want generated id")
	}

	all, _ := store.Recent(ctx, "a", 0)
	if len(all) != 3 {
		t.Fatalf("Recent(limit=0) len = %d, want 3", len(all))
	}
	none, _ := store.Recent(ctx, "missing", 5)
	if none != nil {
		t.Fatalf("Recent(missing) = %+v, want nil", none)
	}
}

func TestNewStoreWithoutDatabaseIsInMemory(t *testing.T) {
	store, err := NewStore(context.Background(), "  ")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if _, ok := store.(*InMemoryStore); !ok {
		t.Fatalf("NewStore() = %T, want *InMemoryStore", store)
	}
}
