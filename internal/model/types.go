package model

import "strings"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// TypeTag is the type vocabulary of the instruction library.
type TypeTag string

const (
	TypeInt      TypeTag = "int"
	TypeFloat    TypeTag = "float"
	TypeString   TypeTag = "string"
	TypeBool     TypeTag = "bool"
	TypeList     TypeTag = "list"
	TypeFunction TypeTag = "function"
	TypeAny      TypeTag = "any"
)

// Implementation is the executable binding of a function. Arguments and the
// result are untyped; type tags are advisory and used for composition checks.
type Implementation func(args []any) (any, error)

// FunctionSpec describes one named, typed, composable function in the
// instruction library. Primitives carry an Implementation and no Body;
// evolved functions carry a Body (space-joined expression tokens) that is
// interpreted against the library.
type FunctionSpec struct {
	VersionedRecord
	Name       string    `json:"name"`
	Params     []string  `json:"params"`
	ParamTypes []TypeTag `json:"param_types"`
	ReturnType TypeTag   `json:"return_type"`
	Body       string    `json:"body,omitempty"`
	Fitness    float64   `json:"fitness"`
	UsageCount int       `json:"usage_count"`

	Impl Implementation `json:"-"`
}

// IsPrimitive reports whether the spec is a seed primitive (no composed body).
func (f FunctionSpec) IsPrimitive() bool {
	return f.Body == ""
}

// BodyTokens splits the body into its expression tokens.
func (f FunctionSpec) BodyTokens() []string {
	if f.Body == "" {
		return nil
	}
	return strings.Fields(f.Body)
}

// OracleCallStats counts adapter traffic for one run or cycle.
type OracleCallStats struct {
	PolicyCalls   int `json:"policy_calls"`
	ValueCalls    int `json:"value_calls"`
	MutationCalls int `json:"mutation_calls"`
	CacheHits     int `json:"cache_hits"`
	Fallbacks     int `json:"fallbacks"`
}

// Total returns the number of adapter calls across all three operations.
func (s OracleCallStats) Total() int {
	return s.PolicyCalls + s.ValueCalls + s.MutationCalls
}

// Add accumulates another stats record into this one.
func (s *OracleCallStats) Add(other OracleCallStats) {
	s.PolicyCalls += other.PolicyCalls
	s.ValueCalls += other.ValueCalls
	s.MutationCalls += other.MutationCalls
	s.CacheHits += other.CacheHits
	s.Fallbacks += other.Fallbacks
}

// CycleStatus is the terminal state of one bootstrap cycle.
type CycleStatus string

const (
	CycleCompleted CycleStatus = "completed"
	CycleErrored   CycleStatus = "errored"
	CycleStopped   CycleStatus = "stopped"
)

// CycleRecord is the immutable audit record of one bootstrap cycle.
type CycleRecord struct {
	VersionedRecord
	RunID          string          `json:"run_id"`
	Cycle          int             `json:"cycle"`
	Status         CycleStatus     `json:"status"`
	ErrorPhase     string          `json:"error_phase,omitempty"`
	Error          string          `json:"error,omitempty"`
	Tasks          []string        `json:"tasks"`
	MCTSIterations int             `json:"mcts_iterations"`
	Generations    int             `json:"generations"`
	LibraryBefore  int             `json:"library_before"`
	LibraryAfter   int             `json:"library_after"`
	NewFunctions   []string        `json:"new_functions,omitempty"`
	BestFitness    float64         `json:"best_fitness"`
	AvgFitness     float64         `json:"avg_fitness"`
	ElapsedMillis  int64           `json:"elapsed_ms"`
	OracleCalls    OracleCallStats `json:"oracle_calls"`
	StartedAtUTC   string          `json:"started_at_utc"`
}

// LineageRecord tracks where a committed function came from.
type LineageRecord struct {
	VersionedRecord
	FunctionName string   `json:"function_name"`
	Cycle        int      `json:"cycle"`
	Generation   int      `json:"generation"`
	Parents      []string `json:"parents,omitempty"`
	Fitness      float64  `json:"fitness"`
}

// RunRecord summarizes one bootstrap run for listings.
type RunRecord struct {
	VersionedRecord
	RunID        string   `json:"run_id"`
	CreatedAtUTC string   `json:"created_at_utc"`
	Tasks        []string `json:"tasks"`
	Cycles       int      `json:"cycles"`
	Seed         int64    `json:"seed"`
	BestFitness  float64  `json:"best_fitness"`
	NewFunctions int      `json:"new_functions"`
}
