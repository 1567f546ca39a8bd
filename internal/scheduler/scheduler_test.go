package scheduler

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/schedule"
	"github.com/weftlabs/weft/internal/store"
)

type fakeOpener struct {
	prompts []string
	err     error
}

func (f *fakeOpener) OpenTurn(ctx context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	return "turn-1", nil
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "weft.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestPollFiresDuePrompt(t *testing.T) {
	st := testStore(t)

	past := time.Now().Add(-time.Minute)
	spec, err := schedule.NormalizeSchedule("0 9 * * *")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	err = st.SavePrompt(&store.ScheduledPrompt{
		ID:        "p1",
		Name:      "morning",
		Schedule:  spec,
		Prompt:    "summarize overnight runs",
		Status:    "active",
		NextRunAt: &past,
	})
	if err != nil {
		t.Fatalf("save prompt: %v", err)
	}

	opener := &fakeOpener{}
	s := New(st, opener, config.SchedulerConfig{PollInterval: time.Hour})
	s.poll(context.Background())

	if len(opener.prompts) != 1 {
		t.Fatalf("expected 1 opened turn, got %d", len(opener.prompts))
	}
	if opener.prompts[0] != "summarize overnight runs" {
		t.Errorf("unexpected prompt: %q", opener.prompts[0])
	}

	p, err := st.GetPrompt("p1")
	if err != nil {
		t.Fatalf("get prompt: %v", err)
	}
	if p.LastRunAt == nil {
		t.Error("expected last_run_at to be set")
	}
	if p.NextRunAt == nil || !p.NextRunAt.After(time.Now()) {
		t.Error("expected next_run_at rescheduled into the future")
	}
	if p.Status != "active" {
		t.Errorf("expected status active, got %s", p.Status)
	}
}

func TestPollSkipsFuturePrompt(t *testing.T) {
	st := testStore(t)

	future := time.Now().Add(time.Hour)
	spec, _ := schedule.NormalizeSchedule("0 9 * * *")
	err := st.SavePrompt(&store.ScheduledPrompt{
		ID:        "p1",
		Name:      "later",
		Schedule:  spec,
		Prompt:    "not yet",
		Status:    "active",
		NextRunAt: &future,
	})
	if err != nil {
		t.Fatalf("save prompt: %v", err)
	}

	opener := &fakeOpener{}
	s := New(st, opener, config.SchedulerConfig{PollInterval: time.Hour})
	s.poll(context.Background())

	if len(opener.prompts) != 0 {
		t.Fatalf("expected no opened turns, got %d", len(opener.prompts))
	}
}

func TestOneShotPromptCompletesAfterRun(t *testing.T) {
	st := testStore(t)

	at := time.Now().Add(-time.Minute)
	raw, err := json.Marshal(schedule.Schedule{Kind: "once", AtMs: at.UnixMilli()})
	if err != nil {
		t.Fatalf("marshal schedule: %v", err)
	}
	spec, err := schedule.NormalizeSchedule(string(raw))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	err = st.SavePrompt(&store.ScheduledPrompt{
		ID:        "p1",
		Name:      "once",
		Schedule:  spec,
		Prompt:    "run once",
		Status:    "active",
		NextRunAt: &at,
	})
	if err != nil {
		t.Fatalf("save prompt: %v", err)
	}

	opener := &fakeOpener{}
	s := New(st, opener, config.SchedulerConfig{PollInterval: time.Hour})
	s.poll(context.Background())

	if len(opener.prompts) != 1 {
		t.Fatalf("expected 1 opened turn, got %d", len(opener.prompts))
	}

	p, err := st.GetPrompt("p1")
	if err != nil {
		t.Fatalf("get prompt: %v", err)
	}
	if p.Status != "done" {
		t.Errorf("expected one-shot prompt to finish, got status %s", p.Status)
	}

	// A second poll must not fire it again.
	s.poll(context.Background())
	if len(opener.prompts) != 1 {
		t.Errorf("one-shot prompt fired twice")
	}
}
