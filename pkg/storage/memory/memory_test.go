package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/rhuss/promptrun/pkg/storage"
	"github.com/rhuss/promptrun/pkg/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.RunStore { return New(0) })
}

func TestLRUEviction(t *testing.T) {
	s := New(2)
	ctx := context.Background()
	s.SaveRun(ctx, storagetest.NewRun("run_1", 1))
	s.SaveRun(ctx, storagetest.NewRun("run_2", 2))

	// Touch run_1 so run_2 becomes the eviction candidate.
	if _, err := s.GetRun(ctx, "run_1"); err != nil {
		t.Fatal(err)
	}
	s.SaveRun(ctx, storagetest.NewRun("run_3", 3))

	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
	if _, err := s.GetRun(ctx, "run_2"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("run_2 should have been evicted, err = %v", err)
	}
	for _, id := range []string{"run_1", "run_3"} {
		if _, err := s.GetRun(ctx, id); err != nil {
			t.Errorf("%s missing: %v", id, err)
		}
	}
}

func TestStoredRunIsCopied(t *testing.T) {
	s := New(0)
	ctx := context.Background()
	run := storagetest.NewRun("run_c", 1)
	s.SaveRun(ctx, run)
	run.Prompt = "mutated"

	got, _ := s.GetRun(ctx, "run_c")
	if got.Prompt == "mutated" {
		t.Error("store shares memory with caller")
	}
}
