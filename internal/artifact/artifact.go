package artifact

import "time"

// Artifact lifecycle state constants.
const (
	StateUnmaterialized = "unmaterialized"
	StatePending        = "pending"
	StateMaterialized   = "materialized"
	StateDestroyed      = "destroyed"
)

// Artifact kind constants. Kind is fixed at creation and never changes.
const (
	KindInput  = "input"
	KindOutput = "output"
	KindCache  = "cache"
	KindImage  = "image"
)

// validTransitions maps each state to the set of states it may transition to.
// pending → unmaterialized is the revert edge taken when the run holding the
// reservation fails or is cancelled.
var validTransitions = map[string]map[string]bool{
	StateUnmaterialized: {
		StatePending:      true,
		StateMaterialized: true,
		StateDestroyed:    true,
	},
	StatePending: {
		StateMaterialized:   true,
		StateUnmaterialized: true,
		StateDestroyed:      true,
	},
	StateMaterialized: {
		StateDestroyed: true,
	},
}

// ValidTransition reports whether transitioning from one state to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// validKinds is the closed set of artifact kinds.
var validKinds = map[string]bool{
	KindInput:  true,
	KindOutput: true,
	KindCache:  true,
	KindImage:  true,
}

// ValidKind reports whether kind is one of the defined artifact kinds.
func ValidKind(kind string) bool {
	return validKinds[kind]
}

// Artifact is a handle to a unit of storage, independent of its contents or
// physical backing. The identifier is immutable and never reused; the
// registry is the only component that moves an Artifact between states.
type Artifact struct {
	ID             string     `json:"id"`
	Kind           string     `json:"kind"`
	State          string     `json:"state"`
	Handle         string     `json:"handle,omitempty"`
	Size           int64      `json:"size,omitempty"`
	Refs           int        `json:"refs"`
	CreatedAt      time.Time  `json:"created_at"`
	MaterializedAt *time.Time `json:"materialized_at,omitempty"`
	DestroyedAt    *time.Time `json:"destroyed_at,omitempty"`
}
