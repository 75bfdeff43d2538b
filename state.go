package bind

// Slot states. A slot starts at stateUnbound and moves forward at most
// once: unbound -> binding -> bound | errored. Terminal states (bound,
// errored) never transition again; CellOf.Reset is the one exception and
// is an explicit owner operation, never an implicit retry.
//
// The state word is the publication point: the binder writes the value
// (or cause), then stores the terminal state; readers load the state and,
// on a terminal observation, read the value without synchronization.
const (
	stateUnbound uint32 = iota
	stateBinding
	stateBound
	stateErrored
)

func stateName(s uint32) string {
	switch s {
	case stateUnbound:
		return "unbound"
	case stateBinding:
		return "binding"
	case stateBound:
		return "bound"
	case stateErrored:
		return "error"
	}
	return "invalid"
}
