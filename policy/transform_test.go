package policy

import (
	"errors"
	"testing"

	"copy-trader-go/store"
)

func master(qty int64) store.Order {
	return store.Order{
		ID: "m-1", Account: "MA", Side: store.SideBuy, Type: store.TypeLimit,
		Symbol: "RELIANCE", Exchange: "NSE", Quantity: qty,
		LimitPrice: 2500, Product: "CNC", Validity: "DAY",
	}
}

func ratioLink(r float64) store.FollowerLink {
	return store.FollowerLink{
		MasterAccount: "MA", FollowerAccount: "F1", Active: true,
		Policy: store.PolicyFixedRatio, Ratio: r,
	}
}

func TestFixedRatioRounds(t *testing.T) {
	cases := []struct {
		masterQty int64
		ratio     float64
		want      int64
	}{
		{100, 1.0, 100},
		{100, 0.5, 50},
		{100, 0.505, 51},  // round half up
		{10, 0.24, 2},
		{3, 0.5, 2},       // round(1.5)=2
	}
	for _, c := range cases {
		out, err := Transform(Input{Master: master(c.masterQty), Link: ratioLink(c.ratio), ReferencePrice: 2500, LotSize: 1})
		if err != nil {
			t.Fatalf("ratio %v: %v", c.ratio, err)
		}
		if out.Quantity != c.want {
			t.Fatalf("ratio %v on %d: want %d, got %d", c.ratio, c.masterQty, c.want, out.Quantity)
		}
	}
}

func TestFixedRatioTooSmallSkips(t *testing.T) {
	_, err := Transform(Input{Master: master(100), Link: ratioLink(0.0049), ReferencePrice: 2500, LotSize: 1})
	var skip *SkipError
	if !errors.As(err, &skip) || skip.Reason != TooSmall {
		t.Fatalf("want TooSmall skip, got %v", err)
	}
}

func TestPercentagePolicy(t *testing.T) {
	link := store.FollowerLink{FollowerAccount: "F1", Policy: store.PolicyPercentage, Percent: 10}
	out, err := Transform(Input{
		Master: master(100), Link: link,
		AvailableBalance: 500000, ReferencePrice: 2500, LotSize: 1,
	})
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	// floor(500000 * 10% / 2500) = 20
	if out.Quantity != 20 {
		t.Fatalf("want 20, got %d", out.Quantity)
	}
}

func TestPercentageZeroBalanceSkips(t *testing.T) {
	link := store.FollowerLink{FollowerAccount: "F1", Policy: store.PolicyPercentage, Percent: 5}
	_, err := Transform(Input{Master: master(100), Link: link, AvailableBalance: 100, ReferencePrice: 2500, LotSize: 1})
	var skip *SkipError
	if !errors.As(err, &skip) || skip.Reason != TooSmall {
		t.Fatalf("want TooSmall skip, got %v", err)
	}
}

func TestFixedQuantityIgnoresMasterQty(t *testing.T) {
	link := store.FollowerLink{FollowerAccount: "F1", Policy: store.PolicyFixedQuantity, Quantity: 7}
	for _, mq := range []int64{1, 100, 100000} {
		out, err := Transform(Input{Master: master(mq), Link: link, ReferencePrice: 2500, LotSize: 1})
		if err != nil {
			t.Fatalf("transform: %v", err)
		}
		if out.Quantity != 7 {
			t.Fatalf("want fixed 7, got %d", out.Quantity)
		}
	}
}

func TestLotSizeFloors(t *testing.T) {
	out, err := Transform(Input{Master: master(100), Link: ratioLink(0.77), ReferencePrice: 2500, LotSize: 50})
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	// round(77) → floor to lot 50
	if out.Quantity != 50 {
		t.Fatalf("want 50, got %d", out.Quantity)
	}
}

func TestLotSizeFloorToZeroSkips(t *testing.T) {
	_, err := Transform(Input{Master: master(100), Link: ratioLink(0.3), ReferencePrice: 2500, LotSize: 50})
	var skip *SkipError
	if !errors.As(err, &skip) || skip.Reason != TooSmall {
		t.Fatalf("want TooSmall when floored below one lot, got %v", err)
	}
}

func TestLinkNotionalCap(t *testing.T) {
	link := ratioLink(1.0)
	link.MaxOrderNotional = 100000
	_, err := Transform(Input{Master: master(100), Link: link, ReferencePrice: 2500, LotSize: 1})
	var skip *SkipError
	if !errors.As(err, &skip) || skip.Reason != LinkNotionalCap {
		t.Fatalf("want LinkNotionalCap, got %v", err)
	}
}

func TestTransformPreservesOrderShape(t *testing.T) {
	m := master(100)
	m.TriggerPrice = 2450
	m.Type = store.TypeStop
	out, err := Transform(Input{Master: m, Link: ratioLink(0.5), ReferencePrice: 2500, LotSize: 1})
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if out.Side != m.Side || out.Type != m.Type || out.Symbol != m.Symbol || out.Exchange != m.Exchange {
		t.Fatalf("shape not preserved: %+v", out)
	}
	if out.LimitPrice != m.LimitPrice || out.TriggerPrice != m.TriggerPrice {
		t.Fatalf("prices not copied verbatim: %+v", out)
	}
	if out.ParentID != m.ID {
		t.Fatalf("parent not set: %+v", out)
	}
	if out.Account != "F1" {
		t.Fatalf("follower account not set: %+v", out)
	}
	if out.Status != store.StatusPending {
		t.Fatalf("draft must start pending: %+v", out)
	}
}

func TestBadPolicyParams(t *testing.T) {
	bad := []store.FollowerLink{
		{FollowerAccount: "F1", Policy: store.PolicyFixedRatio, Ratio: 0},
		{FollowerAccount: "F1", Policy: store.PolicyPercentage, Percent: 0},
		{FollowerAccount: "F1", Policy: store.PolicyPercentage, Percent: 101},
		{FollowerAccount: "F1", Policy: store.PolicyFixedQuantity, Quantity: 0},
		{FollowerAccount: "F1", Policy: "NO_SUCH"},
	}
	for _, link := range bad {
		_, err := Transform(Input{Master: master(100), Link: link, ReferencePrice: 2500, LotSize: 1})
		var skip *SkipError
		if !errors.As(err, &skip) || skip.Reason != BadPolicy {
			t.Fatalf("link %+v: want BadPolicy, got %v", link, err)
		}
	}
}

func TestTransformDeterministic(t *testing.T) {
	in := Input{Master: master(100), Link: ratioLink(0.37), AvailableBalance: 1e6, ReferencePrice: 2500, LotSize: 1}
	first, err := Transform(in)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Transform(in)
		if err != nil {
			t.Fatalf("transform: %v", err)
		}
		if again != first {
			t.Fatalf("nondeterministic transform: %+v != %+v", again, first)
		}
	}
}
