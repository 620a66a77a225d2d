package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"copy-trader-go/store"
)

// ScripSource 提供 (symbol, exchange) → ScripCode 的持久映射。
type ScripSource interface {
	LookupScrip(ctx context.Context, symbol, exchange string) (store.ScripCode, error)
}

// Instrument is the resolved broker identity of a tradable security.
type Instrument struct {
	Symbol   string
	Exchange string
	Segment  string
	Code     int64
	LotSize  int64
}

// InstrumentMapper 解析交易代码；读多写少，缓存用写时复制替换，
// 代号表离线刷新后 Bump 一次代数即可失效全部缓存。
type InstrumentMapper struct {
	source ScripSource

	generation int64
	mu         sync.Mutex
	cache      atomic.Value // map[string]Instrument
	cacheGen   int64
}

// NewInstrumentMapper creates the mapper with an empty cache.
func NewInstrumentMapper(source ScripSource) *InstrumentMapper {
	m := &InstrumentMapper{source: source}
	m.cache.Store(map[string]Instrument{})
	return m
}

func cacheKey(symbol, exchange string) string {
	return strings.ToUpper(symbol) + "|" + strings.ToUpper(exchange)
}

// Resolve returns the broker instrument for (symbol, exchange).
// Misses read through to the store; absence is ErrUnknownInstrument.
func (m *InstrumentMapper) Resolve(ctx context.Context, symbol, exchange string) (Instrument, error) {
	key := cacheKey(symbol, exchange)
	gen := atomic.LoadInt64(&m.generation)

	if cached, ok := m.cache.Load().(map[string]Instrument); ok && atomic.LoadInt64(&m.cacheGen) == gen {
		if inst, ok := cached[key]; ok {
			return inst, nil
		}
	}

	sc, err := m.source.LookupScrip(ctx, symbol, exchange)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Instrument{}, fmt.Errorf("%w: %s on %s", ErrUnknownInstrument, symbol, exchange)
		}
		return Instrument{}, fmt.Errorf("lookup scrip %s/%s: %w", symbol, exchange, err)
	}
	if !sc.Active {
		return Instrument{}, fmt.Errorf("%w: %s on %s inactive", ErrUnknownInstrument, symbol, exchange)
	}
	inst := Instrument{
		Symbol:   sc.Symbol,
		Exchange: sc.Exchange,
		Segment:  sc.Segment,
		Code:     sc.Code,
		LotSize:  sc.LotSize,
	}
	if inst.LotSize <= 0 {
		inst.LotSize = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if atomic.LoadInt64(&m.generation) != gen {
		// 代数已 Bump，结果仍然可用但不回填旧缓存
		return inst, nil
	}
	old := m.cache.Load().(map[string]Instrument)
	next := make(map[string]Instrument, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[key] = inst
	m.cache.Store(next)
	atomic.StoreInt64(&m.cacheGen, gen)
	return inst, nil
}

// Bump invalidates the cache after an out-of-band scrip refresh.
func (m *InstrumentMapper) Bump() {
	m.mu.Lock()
	defer m.mu.Unlock()
	atomic.AddInt64(&m.generation, 1)
	m.cache.Store(map[string]Instrument{})
	atomic.StoreInt64(&m.cacheGen, atomic.LoadInt64(&m.generation))
}

// Generation reports the current cache generation.
func (m *InstrumentMapper) Generation() int64 {
	return atomic.LoadInt64(&m.generation)
}
