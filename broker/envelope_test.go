package broker

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestBracketTimeRoundTrip(t *testing.T) {
	ts := time.UnixMilli(1563857357612).UTC()
	s := bracketTime(ts)
	if s != "/Date(1563857357612)/" {
		t.Fatalf("unexpected bracket time %q", s)
	}
	parsed, err := parseBracketTime(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Equal(ts) {
		t.Fatalf("round trip mismatch: %v != %v", parsed, ts)
	}
}

func TestParseBracketTimeWithZoneSuffix(t *testing.T) {
	parsed, err := parseBracketTime("/Date(1563857357612+0530)/")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.UnixMilli() != 1563857357612 {
		t.Fatalf("unexpected millis %d", parsed.UnixMilli())
	}
}

func TestParseBracketTimeMalformed(t *testing.T) {
	for _, s := range []string{"", "1563857357612", "/Date(abc)/"} {
		if _, err := parseBracketTime(s); err == nil {
			t.Fatalf("expected error for %q", s)
		}
	}
}

// 网关强制字段顺序；序列化顺序一旦漂移就会被拒单。
func TestPlaceEnvelopeFieldOrder(t *testing.T) {
	var env placeEnvelope
	env.ReqData.Head = orderHead{RequestCode: reqCodePlace}
	env.ReqData.Body = placeBody{ClientCode: "C1", OrderFor: "P"}
	env.AppSource = 58

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(raw)

	wantOrder := []string{
		`"_ReqData"`, `"head"`, `"requestCode"`, `"key"`, `"appVer"`,
		`"appName"`, `"osName"`, `"userId"`, `"password"`,
		`"body"`, `"ClientCode"`, `"OrderFor"`, `"Exchange"`, `"ExchangeType"`,
		`"Price"`, `"OrderID"`, `"OrderType"`, `"Qty"`, `"OrderDateTime"`,
		`"ScripCode"`, `"AtMarket"`, `"RemoteOrderID"`, `"ExchOrderID"`,
		`"DisQty"`, `"IsStopLossOrder"`, `"StopLossPrice"`, `"IsVTD"`,
		`"IOCOrder"`, `"IsIntraday"`, `"PublicIP"`, `"AHPlaced"`,
		`"ValidTillDate"`, `"iOrderValidity"`, `"OrderRequesterCode"`,
		`"TradedQty"`, `"AppSource"`,
	}
	last := -1
	for _, field := range wantOrder {
		idx := strings.Index(s, field)
		if idx < 0 {
			t.Fatalf("field %s missing from envelope %s", field, s)
		}
		if idx < last {
			t.Fatalf("field %s out of order in envelope", field)
		}
		last = idx
	}
}

func TestMapBrokerStatus(t *testing.T) {
	cases := []struct {
		raw        string
		traded     int64
		pending    int64
		wantStatus string
	}{
		{"Placed", 0, 10, "SUBMITTED"},
		{"Fully Executed", 10, 0, "FILLED"},
		{"Partially Executed", 5, 5, "PARTIAL"},
		{"Rejected", 0, 0, "REJECTED"},
		{"Cancelled", 0, 0, "CANCELLED"},
		{"", 5, 5, "PARTIAL"},
		{"", 10, 0, "FILLED"},
		{"", 0, 0, "UNKNOWN"},
	}
	for _, c := range cases {
		got := mapBrokerStatus(c.raw, c.traded, c.pending)
		if string(got) != c.wantStatus {
			t.Fatalf("mapBrokerStatus(%q,%d,%d) = %s, want %s", c.raw, c.traded, c.pending, got, c.wantStatus)
		}
	}
}
