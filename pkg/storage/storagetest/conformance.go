// Package storagetest holds the behaviour every storage.RunStore adapter
// must share. Adapter tests call Run with a factory for a fresh store.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rhuss/promptrun/pkg/api"
	"github.com/rhuss/promptrun/pkg/storage"
)

// Factory returns an empty store. The store is closed by the suite.
type Factory func(t *testing.T) storage.RunStore

// NewRun returns a completed run with the given ID and creation time.
func NewRun(id string, createdAt int64) *api.Run {
	return &api.Run{
		ID:        id,
		Object:    "run",
		Status:    api.RunStatusCompleted,
		Prompt:    "print hello",
		Model:     "coder",
		Generated: "```go\npackage main\n```",
		Source:    "package main",
		Diagnostics: []api.Diagnostic{{
			Severity: api.SeverityWarning,
			Message:  "main is empty",
			Position: &api.Position{Line: 3, Column: 1},
		}},
		Result:      api.Completed("hello\n", 0),
		CreatedAt:   createdAt,
		CompletedAt: createdAt + 1,
	}
}

// Run exercises the RunStore contract.
func Run(t *testing.T, newStore Factory) {
	open := func(t *testing.T) storage.RunStore {
		s := newStore(t)
		t.Cleanup(func() { s.Close() })
		return s
	}

	t.Run("SaveAndGet", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		want := NewRun("run_a", 100)
		if err := s.SaveRun(ctx, want); err != nil {
			t.Fatalf("SaveRun: %v", err)
		}
		got, err := s.GetRun(ctx, "run_a")
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if got.Prompt != want.Prompt || got.Source != want.Source || got.Status != want.Status {
			t.Errorf("run = %+v", got)
		}
		if got.Result == nil || got.Result.Output != "hello\n" {
			t.Errorf("result = %+v", got.Result)
		}
		if len(got.Diagnostics) != 1 || got.Diagnostics[0].Position.Line != 3 {
			t.Errorf("diagnostics = %+v", got.Diagnostics)
		}
	})

	t.Run("Conflict", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		if err := s.SaveRun(ctx, NewRun("run_dup", 1)); err != nil {
			t.Fatal(err)
		}
		if err := s.SaveRun(ctx, NewRun("run_dup", 2)); !errors.Is(err, storage.ErrConflict) {
			t.Errorf("err = %v, want ErrConflict", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		if _, err := s.GetRun(ctx, "run_missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("GetRun err = %v", err)
		}
		if err := s.DeleteRun(ctx, "run_missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("DeleteRun err = %v", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		s.SaveRun(ctx, NewRun("run_del", 1))
		if err := s.DeleteRun(ctx, "run_del"); err != nil {
			t.Fatal(err)
		}
		if _, err := s.GetRun(ctx, "run_del"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("err = %v after delete", err)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		s := open(t)
		a := storage.SetTenant(context.Background(), "team-a")
		b := storage.SetTenant(context.Background(), "team-b")
		if err := s.SaveRun(a, NewRun("run_t", 1)); err != nil {
			t.Fatal(err)
		}
		if _, err := s.GetRun(b, "run_t"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("other tenant can read: %v", err)
		}
		if err := s.DeleteRun(b, "run_t"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("other tenant can delete: %v", err)
		}
		list, err := s.ListRuns(b, storage.ListOptions{})
		if err != nil || len(list.Data) != 0 {
			t.Errorf("other tenant lists %d runs (err %v)", len(list.Data), err)
		}
		if _, err := s.GetRun(a, "run_t"); err != nil {
			t.Errorf("owner cannot read: %v", err)
		}
	})

	t.Run("ListOrderAndPaging", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		for i := range 5 {
			if err := s.SaveRun(ctx, NewRun(fmt.Sprintf("run_%d", i), int64(100+i))); err != nil {
				t.Fatal(err)
			}
		}

		desc, err := s.ListRuns(ctx, storage.ListOptions{Limit: 2})
		if err != nil {
			t.Fatal(err)
		}
		if len(desc.Data) != 2 || desc.Data[0].ID != "run_4" || !desc.HasMore {
			t.Errorf("desc page = %v has_more=%v", runIDs(desc), desc.HasMore)
		}

		next, err := s.ListRuns(ctx, storage.ListOptions{Limit: 2, After: desc.LastID})
		if err != nil {
			t.Fatal(err)
		}
		if len(next.Data) != 2 || next.Data[0].ID != "run_2" {
			t.Errorf("next page = %v", runIDs(next))
		}

		asc, err := s.ListRuns(ctx, storage.ListOptions{Order: "asc"})
		if err != nil {
			t.Fatal(err)
		}
		if len(asc.Data) != 5 || asc.Data[0].ID != "run_0" || asc.HasMore {
			t.Errorf("asc = %v", runIDs(asc))
		}
	})

	t.Run("ListFilters", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		failed := NewRun("run_f", 1)
		failed.Status = api.RunStatusFailed
		failed.Model = "other"
		s.SaveRun(ctx, failed)
		s.SaveRun(ctx, NewRun("run_ok", 2))

		byStatus, err := s.ListRuns(ctx, storage.ListOptions{Status: api.RunStatusFailed})
		if err != nil || len(byStatus.Data) != 1 || byStatus.Data[0].ID != "run_f" {
			t.Errorf("status filter = %v (err %v)", runIDs(byStatus), err)
		}
		byModel, err := s.ListRuns(ctx, storage.ListOptions{Model: "coder"})
		if err != nil || len(byModel.Data) != 1 || byModel.Data[0].ID != "run_ok" {
			t.Errorf("model filter = %v (err %v)", runIDs(byModel), err)
		}
	})

	t.Run("HealthCheck", func(t *testing.T) {
		if err := open(t).HealthCheck(context.Background()); err != nil {
			t.Errorf("HealthCheck: %v", err)
		}
	})
}

func runIDs(list *api.RunList) []string {
	if list == nil {
		return nil
	}
	out := make([]string, len(list.Data))
	for i, r := range list.Data {
		out[i] = r.ID
	}
	return out
}
