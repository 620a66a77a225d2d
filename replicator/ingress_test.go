package replicator

import (
	"context"
	"testing"
	"time"
)

func TestIngressAcceptsAndFansOutAsync(t *testing.T) {
	ms := newMemStore()
	master := seedMaster(ms)
	ad := newFakeAdapter()
	sink := &recordingSink{}
	d := newTestDispatcher(ms, ad, links(2), allowAllGate{}, sink)
	ing := NewIngress(d, sink, nil)

	if !ing.Accept(context.Background(), master) {
		t.Fatalf("accept refused")
	}
	if !ing.Drain(2 * time.Second) {
		t.Fatalf("drain timed out")
	}
	if sink.count(TopicMasterAccepted) != 1 {
		t.Fatalf("accepted event not published")
	}
	if sink.count(TopicReplicationSealed) != 1 {
		t.Fatalf("fan-out did not seal")
	}
	for _, acct := range []string{"F1", "F2"} {
		if _, err := ms.GetFollowerOrder(context.Background(), "m-1", acct); err != nil {
			t.Fatalf("%s not replicated: %v", acct, err)
		}
	}
}

func TestIngressRefusesAfterDrain(t *testing.T) {
	ms := newMemStore()
	master := seedMaster(ms)
	d := newTestDispatcher(ms, newFakeAdapter(), links(1), allowAllGate{}, nil)
	ing := NewIngress(d, nil, nil)

	ing.Drain(time.Second)
	if ing.Accept(context.Background(), master) {
		t.Fatalf("closed ingress must refuse new masters")
	}
}

func TestIngressSurvivesCallerCancellation(t *testing.T) {
	ms := newMemStore()
	master := seedMaster(ms)
	sink := &recordingSink{}
	d := newTestDispatcher(ms, newFakeAdapter(), links(1), allowAllGate{}, sink)
	ing := NewIngress(d, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ok := ing.Accept(ctx, master)
	cancel() // 受理方挂断不影响扇出
	if !ok {
		t.Fatalf("accept refused")
	}
	if !ing.Drain(2 * time.Second) {
		t.Fatalf("drain timed out")
	}
	if sink.count(TopicReplicationSealed) != 1 {
		t.Fatalf("fan-out lost after caller cancel")
	}
}
