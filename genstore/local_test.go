package genstore

import (
	"context"
	"testing"
	"time"
)

func TestLocalSnapshotManyZeroForMissing(t *testing.T) {
	ctx := context.Background()
	s := NewLocal(0, 0)
	t.Cleanup(func() { _ = s.Close(ctx) })

	for range 2 {
		if _, err := s.Bump(ctx, "page:s:b"); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.SnapshotMany(ctx, []string{"page:s:a", "page:s:b", "epoch"})
	if err != nil {
		t.Fatal(err)
	}
	if got["page:s:a"] != 0 || got["page:s:b"] != 2 || got["epoch"] != 0 || len(got) != 3 {
		t.Fatalf("got=%v want a=0 b=2 epoch=0", got)
	}
}

func TestLocalBumpManyIncrementsEachOnce(t *testing.T) {
	ctx := context.Background()
	s := NewLocal(0, 0)
	t.Cleanup(func() { _ = s.Close(ctx) })

	if _, err := s.Bump(ctx, "x"); err != nil {
		t.Fatal(err)
	}
	got, err := s.BumpMany(ctx, []string{"x", "y"})
	if err != nil {
		t.Fatal(err)
	}
	if got["x"] != 2 || got["y"] != 1 {
		t.Fatalf("got=%v want x=2 y=1", got)
	}
}

func TestLocalCleanupPrunesIdle(t *testing.T) {
	ctx := context.Background()
	s := NewLocal(0, 0)
	t.Cleanup(func() { _ = s.Close(ctx) })

	if _, err := s.Bump(ctx, "old"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := s.Bump(ctx, "fresh"); err != nil {
		t.Fatal(err)
	}
	s.Cleanup(25 * time.Millisecond)

	got, _ := s.SnapshotMany(ctx, []string{"old", "fresh"})
	if got["old"] != 0 || got["fresh"] != 1 {
		t.Fatalf("got=%v want old pruned, fresh kept", got)
	}
}

func TestLocalCloseIdempotent(t *testing.T) {
	s := NewLocal(time.Millisecond, time.Hour)
	if err := s.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestRedisKeyHashTag(t *testing.T) {
	s := NewRedis(nil, "profiles", 0)
	if got := s.key("page:s:acme"); got != "gen:{profiles}:page:s:acme" {
		t.Fatalf("key=%q", got)
	}
}
