package jobstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// runStoreSuite checks the semantics every backend shares.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get(context.Background(), "0xmissing"); !errors.Is(err, ErrJobNotFound) {
			t.Errorf("Get() error = %v, want ErrJobNotFound", err)
		}
	})

	t.Run("upsert pending creates one record", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			if err := s.UpsertPending(ctx, "0xa"); err != nil {
				t.Fatalf("UpsertPending() error = %v", err)
			}
		}

		job, err := s.Get(ctx, "0xa")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if job.Status != StatusPending || job.Cursor != 0 || job.DestinationLink != "" {
			t.Errorf("job = %+v, want pending at 0", job)
		}
		if job.UpdatedAt.IsZero() {
			t.Error("UpdatedAt not set")
		}

		jobs, err := s.ListUnfinished(ctx)
		if err != nil {
			t.Fatalf("ListUnfinished() error = %v", err)
		}
		if len(jobs) != 1 {
			t.Errorf("ListUnfinished() = %d records, want 1", len(jobs))
		}
	})

	t.Run("cursor is monotonic", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		steps := []struct {
			cursor int64
			want   int64
		}{
			{cursor: 50, want: 50},
			{cursor: 100, want: 100},
			{cursor: 50, want: 100},
			{cursor: 120, want: 120},
		}
		for _, step := range steps {
			if err := s.MarkInProgress(ctx, "0xa", step.cursor, "link"); err != nil {
				t.Fatalf("MarkInProgress(%d) error = %v", step.cursor, err)
			}
			job, err := s.Get(ctx, "0xa")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if job.Cursor != step.want {
				t.Errorf("after MarkInProgress(%d) cursor = %d, want %d", step.cursor, job.Cursor, step.want)
			}
			if job.Status != StatusInProgress || job.DestinationLink != "link" {
				t.Errorf("job = %+v", job)
			}
		}

		// A later UpsertPending keeps the cursor.
		if err := s.UpsertPending(ctx, "0xa"); err != nil {
			t.Fatalf("UpsertPending() error = %v", err)
		}
		job, _ := s.Get(ctx, "0xa")
		if job.Cursor != 120 || job.Status != StatusPending {
			t.Errorf("after UpsertPending job = %+v, want pending at 120", job)
		}
	})

	t.Run("finished is terminal", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if err := s.MarkInProgress(ctx, "0xa", 50, "link"); err != nil {
			t.Fatal(err)
		}
		if err := s.MarkFinished(ctx, "0xa", "link"); err != nil {
			t.Fatalf("MarkFinished() error = %v", err)
		}
		if err := s.UpsertPending(ctx, "0xa"); err != nil {
			t.Fatal(err)
		}
		if err := s.MarkInProgress(ctx, "0xa", 70, "link"); err != nil {
			t.Fatal(err)
		}

		job, err := s.Get(ctx, "0xa")
		if err != nil {
			t.Fatal(err)
		}
		if job.Status != StatusFinished {
			t.Errorf("Status = %s, want finished", job.Status)
		}
		if job.Cursor != 70 {
			t.Errorf("Cursor = %d, want 70", job.Cursor)
		}

		jobs, err := s.ListUnfinished(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(jobs) != 0 {
			t.Errorf("ListUnfinished() = %+v, want none", jobs)
		}
	})

	t.Run("mark finished without record", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if err := s.MarkFinished(ctx, "0xempty", "link"); err != nil {
			t.Fatalf("MarkFinished() error = %v", err)
		}
		job, err := s.Get(ctx, "0xempty")
		if err != nil {
			t.Fatal(err)
		}
		if job.Status != StatusFinished || job.Cursor != 0 || job.DestinationLink != "link" {
			t.Errorf("job = %+v", job)
		}
	})

	t.Run("claim pending", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		fresh := time.Now().Add(-2 * time.Hour)
		stale := time.Now().Add(time.Hour)

		ok, err := s.ClaimPending(ctx, "0xa", fresh)
		if err != nil || !ok {
			t.Fatalf("ClaimPending(absent) = %v, %v; want true", ok, err)
		}

		ok, err = s.ClaimPending(ctx, "0xa", fresh)
		if err != nil || ok {
			t.Errorf("ClaimPending(fresh) = %v, %v; want false", ok, err)
		}

		if err := s.MarkInProgress(ctx, "0xa", 100, "link"); err != nil {
			t.Fatal(err)
		}
		ok, err = s.ClaimPending(ctx, "0xa", stale)
		if err != nil || !ok {
			t.Fatalf("ClaimPending(stale) = %v, %v; want true", ok, err)
		}
		job, _ := s.Get(ctx, "0xa")
		if job.Status != StatusPending || job.Cursor != 100 || job.DestinationLink != "link" {
			t.Errorf("after stale claim job = %+v, want pending at 100", job)
		}

		if err := s.MarkFinished(ctx, "0xa", "link"); err != nil {
			t.Fatal(err)
		}
		ok, err = s.ClaimPending(ctx, "0xa", stale)
		if err != nil || ok {
			t.Errorf("ClaimPending(finished) = %v, %v; want false", ok, err)
		}
	})

	t.Run("concurrent claims have one winner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.ClaimPending(ctx, "0xrace", time.Now().Add(-2*time.Hour))
				if err != nil {
					t.Errorf("ClaimPending() error = %v", err)
					return
				}
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if wins != 1 {
			t.Errorf("winners = %d, want 1", wins)
		}
	})

	t.Run("list unfinished", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			if err := s.UpsertPending(ctx, fmt.Sprintf("0x%d", i)); err != nil {
				t.Fatal(err)
			}
		}
		if err := s.MarkInProgress(ctx, "0x1", 50, "l"); err != nil {
			t.Fatal(err)
		}
		if err := s.MarkFinished(ctx, "0x2", "l"); err != nil {
			t.Fatal(err)
		}

		jobs, err := s.ListUnfinished(ctx)
		if err != nil {
			t.Fatalf("ListUnfinished() error = %v", err)
		}
		got := map[string]Status{}
		for _, j := range jobs {
			got[j.CollectionID] = j.Status
		}
		if len(got) != 2 || got["0x0"] != StatusPending || got["0x1"] != StatusInProgress {
			t.Errorf("ListUnfinished() = %v", got)
		}
	})

	t.Run("ping", func(t *testing.T) {
		if err := newStore(t).Ping(context.Background()); err != nil {
			t.Errorf("Ping() error = %v", err)
		}
	})
}
