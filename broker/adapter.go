package broker

import (
	"context"
	"strings"
	"time"

	"copy-trader-go/store"
)

// OrderSpec 是一次下单/改单/撤单的抽象描述，由派发器组装。
type OrderSpec struct {
	Account      string
	Exchange     string // NSE / BSE / MCX
	Segment      string // C=现货 D=衍生 U=货币
	ScripCode    int64
	Side         store.Side
	Type         store.OrderType
	Quantity     int64
	Price        float64
	TriggerPrice float64
	Product      string // MIS / CNC / NRML
	Validity     string // DAY / IOC / GTD
	// IdempotencyToken 随请求发往券商（RemoteOrderID），重复提交可被识别。
	IdempotencyToken string
}

// PlaceResult is the definitive broker response to place/modify/cancel.
type PlaceResult struct {
	BrokerOrderID   string
	ExchangeOrderID string
	Status          store.Status
	Message         string
}

// StatusResult is one order's broker-side state.
type StatusResult struct {
	Status          store.Status
	OrderQty        int64
	TradedQty       int64
	PendingQty      int64
	OrderRate       float64
	ExchangeOrderID string
	Message         string
}

// TradeQuery identifies one order for a trade information lookup.
type TradeQuery struct {
	Exchange        string
	Segment         string
	ScripCode       int64
	ExchangeOrderID string
}

// Position is one open position snapshot row.
type Position struct {
	Symbol    string  `json:"symbol"`
	ScripCode int64   `json:"scripCode"`
	Quantity  int64   `json:"quantity"`
	MarkPrice float64 `json:"markPrice"`
}

// Balance is the account margin snapshot.
type Balance struct {
	Available float64 `json:"available"`
	Margin    float64 `json:"margin"`
}

// Adapter 是券商能力集；生产实现是 Client，测试用内存实现。
// 任何实现都不得在 PlaceOrder 内部重试，重试策略属于派发器。
type Adapter interface {
	PlaceOrder(ctx context.Context, spec OrderSpec) (PlaceResult, error)
	OrderStatus(ctx context.Context, account string, exchange, segment string, scripCode int64, token string) (StatusResult, error)
	ModifyOrder(ctx context.Context, spec OrderSpec, exchOrderID string) (PlaceResult, error)
	CancelOrder(ctx context.Context, spec OrderSpec, exchOrderID string) (PlaceResult, error)
	TradeInformation(ctx context.Context, account string, queries []TradeQuery) ([]TradeDetail, error)
	Positions(ctx context.Context, account string) ([]Position, error)
	Balance(ctx context.Context, account string) (Balance, error)
	Ping(ctx context.Context) (time.Duration, error)
}

// exchangeLetter 把交易所名映射为券商的单字母代码。
func exchangeLetter(exchange string) string {
	switch strings.ToUpper(exchange) {
	case "NSE", "N":
		return "N"
	case "BSE", "B":
		return "B"
	case "MCX", "M":
		return "M"
	default:
		return "N"
	}
}

// mapBrokerStatus 把券商状态文本映射到规范状态集。
func mapBrokerStatus(raw string, tradedQty, pendingQty int64) store.Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PLACED", "PENDING", "SUBMITTED", "ORDERED", "MODIFIED":
		return store.StatusSubmitted
	case "PARTIALLY EXECUTED", "PARTIAL":
		return store.StatusPartial
	case "FULLY EXECUTED", "FILLED", "EXECUTED":
		return store.StatusFilled
	case "REJECTED", "REJECTED BY EXCH":
		return store.StatusRejected
	case "CANCELLED", "CANCELED":
		return store.StatusCancelled
	}
	// 状态文本不可识别时按成交量推断
	switch {
	case tradedQty > 0 && pendingQty > 0:
		return store.StatusPartial
	case tradedQty > 0 && pendingQty == 0:
		return store.StatusFilled
	default:
		return store.StatusUnknown
	}
}
