package follower

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"copy-trader-go/store"
)

type stubLinkSource struct {
	calls int64
	links []store.FollowerLink
	err   error
}

func (s *stubLinkSource) ActiveLinks(ctx context.Context, masterAccount string) ([]store.FollowerLink, error) {
	atomic.AddInt64(&s.calls, 1)
	if s.err != nil {
		return nil, s.err
	}
	return s.links, nil
}

func twoLinks() []store.FollowerLink {
	return []store.FollowerLink{
		{MasterAccount: "MA", FollowerAccount: "F1", Active: true, Policy: store.PolicyFixedRatio, Ratio: 1},
		{MasterAccount: "MA", FollowerAccount: "F2", Active: true, Policy: store.PolicyFixedQuantity, Quantity: 5},
	}
}

func TestSnapshotCachedWithinTTL(t *testing.T) {
	src := &stubLinkSource{links: twoLinks()}
	r := NewRegistry(src, time.Second)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		links, err := r.ActiveFollowers(ctx, "MA")
		if err != nil {
			t.Fatalf("active followers: %v", err)
		}
		if len(links) != 2 {
			t.Fatalf("want 2 links, got %d", len(links))
		}
	}
	if atomic.LoadInt64(&src.calls) != 1 {
		t.Fatalf("want 1 store read within TTL, got %d", src.calls)
	}
}

func TestSnapshotExpiresAfterTTL(t *testing.T) {
	src := &stubLinkSource{links: twoLinks()}
	r := NewRegistry(src, 10*time.Millisecond)
	ctx := context.Background()

	if _, err := r.ActiveFollowers(ctx, "MA"); err != nil {
		t.Fatalf("active followers: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := r.ActiveFollowers(ctx, "MA"); err != nil {
		t.Fatalf("active followers: %v", err)
	}
	if atomic.LoadInt64(&src.calls) != 2 {
		t.Fatalf("want reread after TTL, got %d reads", src.calls)
	}
}

func TestZeroTTLDisablesCache(t *testing.T) {
	src := &stubLinkSource{links: twoLinks()}
	r := NewRegistry(src, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := r.ActiveFollowers(ctx, "MA"); err != nil {
			t.Fatalf("active followers: %v", err)
		}
	}
	if atomic.LoadInt64(&src.calls) != 3 {
		t.Fatalf("want uncached reads, got %d", src.calls)
	}
}

func TestInvalidateDropsSnapshot(t *testing.T) {
	src := &stubLinkSource{links: twoLinks()}
	r := NewRegistry(src, time.Minute)
	ctx := context.Background()

	if _, err := r.ActiveFollowers(ctx, "MA"); err != nil {
		t.Fatalf("active followers: %v", err)
	}
	r.Invalidate("MA")
	if _, err := r.ActiveFollowers(ctx, "MA"); err != nil {
		t.Fatalf("active followers: %v", err)
	}
	if atomic.LoadInt64(&src.calls) != 2 {
		t.Fatalf("want reread after invalidate, got %d reads", src.calls)
	}
}

func TestSourceErrorPropagates(t *testing.T) {
	wantErr := errors.New("db gone")
	r := NewRegistry(&stubLinkSource{err: wantErr}, time.Second)
	if _, err := r.ActiveFollowers(context.Background(), "MA"); !errors.Is(err, wantErr) {
		t.Fatalf("want wrapped source error, got %v", err)
	}
}
