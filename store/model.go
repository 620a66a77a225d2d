package store

import "time"

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType is the execution style requested from the broker.
type OrderType string

const (
	TypeMarket     OrderType = "MARKET"
	TypeLimit      OrderType = "LIMIT"
	TypeStop       OrderType = "STOP"
	TypeStopMarket OrderType = "STOP_MARKET"
)

// Status is the canonical order status set.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSubmitted Status = "SUBMITTED"
	StatusPartial   Status = "PARTIAL"
	StatusFilled    Status = "FILLED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
	StatusUnknown   Status = "UNKNOWN"
)

// Order is one row in the orders table. Master orders have an empty
// ParentID; follower orders reference their master through it.
type Order struct {
	ID                   string
	Account              string
	StrategyID           string
	ParentID             string
	Side                 Side
	Type                 OrderType
	Symbol               string
	Exchange             string
	Quantity             int64
	LimitPrice           float64
	TriggerPrice         float64
	Product              string
	Validity             string
	Status               Status
	StatusRev            int64
	BrokerOrderID        string
	ExchangeOrderID      string
	Message              string
	AvgFillPrice         float64
	ReplicationLatencyMs int64
	CreatedAt            time.Time
	SubmittedAt          time.Time
	TerminalAt           time.Time
}

// IsFollower reports whether the order was derived from a master order.
func (o Order) IsFollower() bool { return o.ParentID != "" }

// PolicyKind selects how a follower quantity is derived from the master.
type PolicyKind string

const (
	PolicyFixedRatio    PolicyKind = "FIXED_RATIO"
	PolicyPercentage    PolicyKind = "PERCENTAGE"
	PolicyFixedQuantity PolicyKind = "FIXED_QUANTITY"
)

// FollowerLink binds a follower account to a master account together with
// the copy policy and the per-link risk overrides. At most one active link
// exists per (master, follower) pair.
type FollowerLink struct {
	MasterAccount    string
	FollowerAccount  string
	Active           bool
	Policy           PolicyKind
	Ratio            float64
	Percent          float64
	Quantity         int64
	MaxOrderNotional float64
	MaxDailyLoss     float64
	CreatedAt        time.Time
}

// ScripCode maps (symbol, exchange) to the broker's numeric instrument code.
type ScripCode struct {
	Symbol   string
	Exchange string
	Segment  string
	Code     int64
	LotSize  int64
	Active   bool
}

// ReplicationEvent is the sealed aggregate record of one fan-out.
type ReplicationEvent struct {
	ID            int64
	MasterOrderID string
	Total         int
	Dispatched    int
	PolicySkipped int
	Unmapped      int
	RiskDenied    int
	BrokerErrored int
	TimedOut      int
	P50Ms         float64
	P95Ms         float64
	P99Ms         float64
	StartedAt     time.Time
	SealedAt      time.Time
}
