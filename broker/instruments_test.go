package broker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"copy-trader-go/store"
)

type countingScripSource struct {
	calls  int64
	scrips map[string]store.ScripCode
}

func (c *countingScripSource) LookupScrip(ctx context.Context, symbol, exchange string) (store.ScripCode, error) {
	atomic.AddInt64(&c.calls, 1)
	sc, ok := c.scrips[symbol+"|"+exchange]
	if !ok {
		return store.ScripCode{}, store.ErrNotFound
	}
	return sc, nil
}

func newScripSource() *countingScripSource {
	return &countingScripSource{scrips: map[string]store.ScripCode{
		"RELIANCE|NSE": {Symbol: "RELIANCE", Exchange: "NSE", Segment: "C", Code: 2885, LotSize: 1, Active: true},
		"NIFTYFUT|NSE": {Symbol: "NIFTYFUT", Exchange: "NSE", Segment: "D", Code: 999901, LotSize: 50, Active: true},
		"DELISTED|BSE": {Symbol: "DELISTED", Exchange: "BSE", Segment: "C", Code: 11, LotSize: 1, Active: false},
	}}
}

func TestResolveCachesLookups(t *testing.T) {
	src := newScripSource()
	m := NewInstrumentMapper(src)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		inst, err := m.Resolve(ctx, "RELIANCE", "NSE")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if inst.Code != 2885 || inst.LotSize != 1 {
			t.Fatalf("unexpected instrument %+v", inst)
		}
	}
	if atomic.LoadInt64(&src.calls) != 1 {
		t.Fatalf("want 1 store lookup, got %d", src.calls)
	}
}

func TestResolveUnknownInstrument(t *testing.T) {
	m := NewInstrumentMapper(newScripSource())
	if _, err := m.Resolve(context.Background(), "NOSUCH", "NSE"); !errors.Is(err, ErrUnknownInstrument) {
		t.Fatalf("want ErrUnknownInstrument, got %v", err)
	}
}

func TestResolveInactiveIsUnknown(t *testing.T) {
	m := NewInstrumentMapper(newScripSource())
	if _, err := m.Resolve(context.Background(), "DELISTED", "BSE"); !errors.Is(err, ErrUnknownInstrument) {
		t.Fatalf("want ErrUnknownInstrument for inactive scrip, got %v", err)
	}
}

func TestBumpInvalidatesCache(t *testing.T) {
	src := newScripSource()
	m := NewInstrumentMapper(src)
	ctx := context.Background()

	if _, err := m.Resolve(ctx, "NIFTYFUT", "NSE"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	m.Bump()
	if _, err := m.Resolve(ctx, "NIFTYFUT", "NSE"); err != nil {
		t.Fatalf("resolve after bump: %v", err)
	}
	if atomic.LoadInt64(&src.calls) != 2 {
		t.Fatalf("want 2 store lookups across bump, got %d", src.calls)
	}
	if m.Generation() != 1 {
		t.Fatalf("want generation 1, got %d", m.Generation())
	}
}

func TestResolveCaseInsensitiveKey(t *testing.T) {
	src := newScripSource()
	m := NewInstrumentMapper(src)
	ctx := context.Background()

	if _, err := m.Resolve(ctx, "RELIANCE", "NSE"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// 同一代号的小写查询命中缓存，不再读库
	// (store lookup itself is exact-match; the cache key is normalized)
	if inst, err := m.Resolve(ctx, "RELIANCE", "nse"); err != nil || inst.Code != 2885 {
		t.Fatalf("lowercase exchange resolve: %v %+v", err, inst)
	}
	if atomic.LoadInt64(&src.calls) != 1 {
		t.Fatalf("want cache hit for normalized key, got %d lookups", src.calls)
	}
}
