package events

import (
	"testing"
	"time"
)

func TestChannelEmitterDelivers(t *testing.T) {
	e := NewChannelEmitter(4)
	want := Event{
		Kind:      KindPhase,
		RunID:     "run-1",
		Timestamp: time.Now().UTC(),
		Phase:     &PhaseChange{Running: true, Phase: "mcts", Cycle: 2},
	}
	e.Emit(want)
	e.Close()

	got, ok := <-e.Events()
	if !ok {
		t.Fatal("channel closed before delivering event")
	}
	if got.Kind != KindPhase || got.RunID != "run-1" || got.Phase == nil || got.Phase.Cycle != 2 {
		t.Fatalf("received event = %+v", got)
	}
	if _, ok := <-e.Events(); ok {
		t.Fatal("expected channel to be drained and closed")
	}
}

func TestChannelEmitterDropsWhenFull(t *testing.T) {
	e := NewChannelEmitter(1)
	e.Emit(Event{Kind: KindPhase, RunID: "kept"})
	e.Emit(Event{Kind: KindPhase, RunID: "dropped"})
	e.Close()

	var got []Event
	for ev := range e.Events() {
		got = append(got, ev)
	}
	if len(got) != 1 || got[0].RunID != "kept" {
		t.Fatalf("buffered events = %+v, want only the first", got)
	}
}

func TestChannelEmitterDefaultBuffer(t *testing.T) {
	e := NewChannelEmitter(0)
	if cap(e.Events()) != 64 {
		t.Fatalf("default buffer = %d, want 64", cap(e.Events()))
	}
}

func TestNopEmitterDiscards(t *testing.T) {
	var e NopEmitter
	e.Emit(Event{Kind: KindMCTSIteration})
	e.Emit(Event{})
}
