// Package events is the progress/event boundary exposed to transport
// layers. Emission is informational: search correctness never depends on an
// emitter being attached or keeping up.
package events

import "time"

// Kind discriminates event payloads.
type Kind string

const (
	KindMCTSIteration       Kind = "mcts_iteration"
	KindEvolutionGeneration Kind = "evolution_generation"
	KindPhase               Kind = "phase"
)

// NodeSnapshot is one search-tree node in an iteration broadcast.
type NodeSnapshot struct {
	Index       int     `json:"index"`
	Parent      int     `json:"parent"` // -1 for the root
	Children    []int   `json:"children,omitempty"`
	Action      string  `json:"action,omitempty"`
	Body        string  `json:"body,omitempty"`
	Complete    bool    `json:"complete"`
	Depth       int     `json:"depth"`
	Visits      int     `json:"visits"`
	TotalReward float64 `json:"total_reward"`
	UCB         float64 `json:"ucb"`
}

// TreeSnapshot is the full tree state after one MCTS iteration.
type TreeSnapshot struct {
	Nodes []NodeSnapshot `json:"nodes"`
}

// MCTSIteration is emitted after every search iteration.
type MCTSIteration struct {
	Task      string       `json:"task"`
	Iteration int          `json:"iteration"`
	Reward    float64      `json:"reward"`
	Tree      TreeSnapshot `json:"tree"`
}

// CandidateSnapshot is one population member in a generation broadcast.
type CandidateSnapshot struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Fitness    float64 `json:"fitness"`
	Generation int     `json:"generation"`
}

// EvolutionGeneration is emitted after every evolution generation.
type EvolutionGeneration struct {
	Task        string              `json:"task,omitempty"`
	Generation  int                 `json:"generation"`
	BestFitness float64             `json:"best_fitness"`
	AvgFitness  float64             `json:"avg_fitness"`
	Population  []CandidateSnapshot `json:"population"`
}

// PhaseChange is emitted at phase and cycle transitions.
type PhaseChange struct {
	Running  bool           `json:"running"`
	Phase    string         `json:"phase"`
	Cycle    int            `json:"cycle"`
	Counters map[string]int `json:"counters,omitempty"`
}

// Event is the broadcast envelope. Exactly one payload field is set,
// matching Kind.
type Event struct {
	Kind      Kind                 `json:"kind"`
	RunID     string               `json:"run_id,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
	MCTS      *MCTSIteration       `json:"mcts,omitempty"`
	Evolution *EvolutionGeneration `json:"evolution,omitempty"`
	Phase     *PhaseChange         `json:"phase,omitempty"`
}

// Emitter receives progress broadcasts. Implementations must not block the
// search loop.
type Emitter interface {
	Emit(event Event)
}

// NopEmitter discards every event.
type NopEmitter struct{}

func (NopEmitter) Emit(Event) {}

// ChannelEmitter forwards events to a buffered channel, dropping events
// when the consumer falls behind.
type ChannelEmitter struct {
	ch chan Event
}

// NewChannelEmitter returns an emitter buffering up to size events.
func NewChannelEmitter(size int) *ChannelEmitter {
	if size <= 0 {
		size = 64
	}
	return &ChannelEmitter{ch: make(chan Event, size)}
}

// Events returns the receive side of the emitter.
func (e *ChannelEmitter) Events() <-chan Event {
	return e.ch
}

func (e *ChannelEmitter) Emit(event Event) {
	select {
	case e.ch <- event:
	default:
	}
}

// Close releases the channel; Emit must not be called afterwards.
func (e *ChannelEmitter) Close() {
	close(e.ch)
}
