// Package drv defines the core entities of the evaluation-and-build
// pipeline: derivations, the dependency edges between them, and the
// per-build-attempt state machine. These types are persisted by
// internal/store and passed between the dispatcher, evaluator, graph
// walker, and scheduler without any package owning a copy that can drift
// from another's.
package drv

import (
	"strings"
	"time"
)

// StorePrefix is the well-known Nix store directory derivation ids are
// rooted under. Id equality is computed after stripping this prefix, so a
// bare "hash-name.drv" and "/nix/store/hash-name.drv" compare equal.
const StorePrefix = "/nix/store/"

// Id identifies a derivation: "hash-name[-version].drv". Two Ids are equal
// derivations iff Normalize(a) == Normalize(b); System is not part of the
// comparison (see the resolved open questions in SPEC_FULL.md §9).
type Id string

// Normalize strips StorePrefix if present, giving the bare "hash-name.drv"
// form used as the identity for comparisons and as the primary key in the
// store.
func Normalize(id Id) Id {
	return Id(strings.TrimPrefix(string(id), StorePrefix))
}

// Equal reports whether a and b name the same derivation.
func Equal(a, b Id) bool {
	return Normalize(a) == Normalize(b)
}

// Drv is a single derivation row: created once on first sighting (either
// as an evaluator descriptor or as a reference discovered by the graph
// walker), never mutated, never deleted.
type Drv struct {
	ID     Id
	System string // platform triple; may be empty when only discovered as a reference
}

// Ref is a dependency edge: Referrer requires Reference's outputs before
// it can build.
type Ref struct {
	Referrer  Id
	Reference Id
}

// BuildId names one build attempt of one derivation. build_attempt forms a
// dense sequence starting at 1 within a given DrvId.
type BuildId struct {
	DrvID   Id
	Attempt int
}

// BuildCommandKind discriminates the two shapes a build command can take:
// a literal executable invocation or a reference into a job file by
// attribute name (the shape the evaluator itself produces for a Job task).
type BuildCommandKind string

const (
	BuildCommandExecutable    BuildCommandKind = "executable"
	BuildCommandFileAttribute BuildCommandKind = "file_attribute"
)

// BuildCommand is the tagged variant describing how to build a
// derivation. Only the fields relevant to Kind are populated; it is
// serialized as JSON into the store's build_command text column and must
// round-trip structurally equal.
type BuildCommand struct {
	Kind BuildCommandKind `json:"kind"`

	// BuildCommandExecutable fields.
	Executable string            `json:"executable,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`

	// BuildCommandFileAttribute fields.
	FilePath  string `json:"file_path,omitempty"`
	AttrName  string `json:"attr_name,omitempty"`
}

// Metadata is the per-build-attempt metadata created when an attempt is
// enqueued. BuildID.Attempt is assigned by the store, not the caller, so a
// zero value is passed in when requesting a new attempt.
type Metadata struct {
	BuildID      BuildId
	GitRepo      string // stored verbatim, including any password component
	GitCommit    string // 40-hex
	BuildCommand BuildCommand
}

// State is the per-build-attempt state machine's current value, encoded
// as the fixed signed-integer bijection documented in SPEC_FULL.md §6.
// Renumbering is a breaking on-disk change; add new states with new
// integers.
type State int

const (
	StateQueued                   State = 0
	StateBuildable                State = 1
	StateBuilding                 State = 7
	StateCompletedSuccess         State = 42
	StateCompletedFailure         State = -1
	StateTransitiveFailure        State = -2
	StateInterruptedOutOfMemory   State = -104
	StateInterruptedTimeout       State = -120
	StateInterruptedCancelled     State = -86
	StateInterruptedProcessDeath  State = -66
	StateInterruptedSchedulerDeath State = -13
	StateBlocked                  State = 100
)

var stateNames = map[State]string{
	StateQueued:                    "Queued",
	StateBuildable:                 "Buildable",
	StateBuilding:                  "Building",
	StateCompletedSuccess:          "Completed(Success)",
	StateCompletedFailure:          "Completed(Failure)",
	StateTransitiveFailure:         "TransitiveFailure",
	StateInterruptedOutOfMemory:    "Interrupted(OutOfMemory)",
	StateInterruptedTimeout:        "Interrupted(Timeout)",
	StateInterruptedCancelled:      "Interrupted(Cancelled)",
	StateInterruptedProcessDeath:   "Interrupted(ProcessDeath)",
	StateInterruptedSchedulerDeath: "Interrupted(SchedulerDeath)",
	StateBlocked:                   "Blocked",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// IsTerminal reports whether s is sticky: no later event for the same
// build_id may transition out of it.
func (s State) IsTerminal() bool {
	return s == StateCompletedSuccess || s == StateCompletedFailure || s == StateTransitiveFailure
}

// IsInterrupted reports whether s is one of the Interrupted(...) variants.
func (s State) IsInterrupted() bool {
	switch s {
	case StateInterruptedOutOfMemory, StateInterruptedTimeout, StateInterruptedCancelled,
		StateInterruptedProcessDeath, StateInterruptedSchedulerDeath:
		return true
	default:
		return false
	}
}

// Event is one append-only row in a build_id's history. The latest Event
// per BuildID (by RowID, never Timestamp) is the current state.
type Event struct {
	BuildID   BuildId
	State     State
	Timestamp time.Time
	RowID     int64
}
