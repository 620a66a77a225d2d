package replicator

import (
	"sort"
	"time"

	"copy-trader-go/store"
)

// OutcomeKind 单个跟单管道的终态分类。
type OutcomeKind string

const (
	OutcomeDispatched  OutcomeKind = "DISPATCHED"
	OutcomePolicySkip  OutcomeKind = "POLICY_SKIP"
	OutcomeUnmapped    OutcomeKind = "UNMAPPED"
	OutcomeRiskDenied  OutcomeKind = "RISK_DENIED"
	OutcomeBrokerError OutcomeKind = "BROKER_ERROR"
	OutcomeTimeout     OutcomeKind = "TIMEOUT"
)

// FollowerOutcome is the per-follower record inside one replication event.
type FollowerOutcome struct {
	Follower string        `json:"follower"`
	Kind     OutcomeKind   `json:"kind"`
	Reason   string        `json:"reason,omitempty"`
	OrderID  string        `json:"orderId,omitempty"`
	Latency  time.Duration `json:"latencyNs"`
}

// eventBuilder 收集扇出期间的每跟单结果，封口时算分位数。
// 并发安全由派发器的结果通道保证，builder 本身单线程使用。
type eventBuilder struct {
	masterOrderID string
	startedAt     time.Time
	outcomes      []FollowerOutcome
}

func newEventBuilder(masterOrderID string, start time.Time) *eventBuilder {
	return &eventBuilder{masterOrderID: masterOrderID, startedAt: start}
}

func (b *eventBuilder) add(o FollowerOutcome) {
	b.outcomes = append(b.outcomes, o)
}

// seal freezes the aggregate. Percentiles come from a plain sort; the
// per-event vector tops out around a thousand entries.
func (b *eventBuilder) seal(now time.Time) (store.ReplicationEvent, []FollowerOutcome) {
	ev := store.ReplicationEvent{
		MasterOrderID: b.masterOrderID,
		Total:         len(b.outcomes),
		StartedAt:     b.startedAt,
		SealedAt:      now,
	}
	var latencies []float64
	for _, o := range b.outcomes {
		switch o.Kind {
		case OutcomeDispatched:
			ev.Dispatched++
			latencies = append(latencies, float64(o.Latency.Milliseconds()))
		case OutcomePolicySkip:
			ev.PolicySkipped++
		case OutcomeUnmapped:
			ev.Unmapped++
		case OutcomeRiskDenied:
			ev.RiskDenied++
		case OutcomeBrokerError:
			ev.BrokerErrored++
		case OutcomeTimeout:
			ev.TimedOut++
		}
	}
	ev.P50Ms = percentile(latencies, 50)
	ev.P95Ms = percentile(latencies, 95)
	ev.P99Ms = percentile(latencies, 99)
	return ev, b.outcomes
}

// percentile 最近秩法；空切片返回 0。
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	rank := int(p/100*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
