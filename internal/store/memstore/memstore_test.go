package memstore_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/voxline-ai/voxline/internal/store"
	"github.com/voxline-ai/voxline/internal/store/memstore"
)

func record(callID, agentID string, started time.Time) store.CallRecord {
	return store.CallRecord{
		CallID:    callID,
		AgentID:   agentID,
		StartedAt: started,
		EndedAt:   started.Add(time.Minute),
		EndReason: "carrier-closed",
		Turns: []store.Turn{
			{Role: "user", Timestamp: started},
			{Role: "agent", Text: "Hello!", Timestamp: started.Add(2 * time.Second)},
		},
	}
}

func TestSaveGetRoundTrip(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	rec := record("c1", "a1", time.Now())
	if err := s.SaveCall(context.Background(), rec); err != nil {
		t.Fatalf("SaveCall: %v", err)
	}

	got, err := s.GetCall(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if got.AgentID != "a1" || len(got.Turns) != 2 || got.Turns[1].Text != "Hello!" {
		t.Errorf("got %+v", got)
	}

	if _, err := s.GetCall(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetCall(nope) = %v; want ErrNotFound", err)
	}
}

func TestSave_Overwrites(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	base := record("c1", "a1", time.Now())
	s.SaveCall(context.Background(), base)

	base.EndReason = "max-duration"
	s.SaveCall(context.Background(), base)

	got, err := s.GetCall(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if got.EndReason != "max-duration" {
		t.Errorf("EndReason = %q", got.EndReason)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d; want 1", s.Len())
	}
}

func TestListCalls_NewestFirstWithLimit(t *testing.T) {
	t.Parallel()

	s := memstore.New()
	now := time.Now()
	for i := range 5 {
		s.SaveCall(context.Background(),
			record(fmt.Sprintf("c%d", i), "a1", now.Add(time.Duration(i)*time.Minute)))
	}
	s.SaveCall(context.Background(), record("other", "a2", now))

	got, err := s.ListCalls(context.Background(), "a1", 3)
	if err != nil {
		t.Fatalf("ListCalls: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d; want 3", len(got))
	}
	if got[0].CallID != "c4" || got[2].CallID != "c2" {
		t.Errorf("order = %s..%s; want c4..c2", got[0].CallID, got[2].CallID)
	}
}

func TestFlatten(t *testing.T) {
	t.Parallel()

	turns := []store.Turn{
		{Role: "user", Text: ""},
		{Role: "agent", Text: "Hello!"},
		{Role: "agent", Text: "Anything else?"},
	}
	want := "agent: Hello!\nagent: Anything else?"
	if got := store.Flatten(turns); got != want {
		t.Errorf("Flatten = %q; want %q", got, want)
	}
}
