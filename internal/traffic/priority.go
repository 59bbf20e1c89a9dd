package traffic

// Priority is the closed set of request priorities. P0 is highest.
type Priority int

const (
	PriorityP0 Priority = iota
	PriorityP1
	PriorityP2

	numPriorities = int(PriorityP2) + 1
)

// DefaultPriority is used when a submission omits or misspells priority.
const DefaultPriority = PriorityP1

// ParsePriority maps a metadata priority string to the closed Priority set,
// defaulting to P1 when absent or unrecognized.
func ParsePriority(s string) Priority {
	switch s {
	case "P0":
		return PriorityP0
	case "P1":
		return PriorityP1
	case "P2":
		return PriorityP2
	default:
		return DefaultPriority
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityP0:
		return "P0"
	case PriorityP1:
		return "P1"
	case PriorityP2:
		return "P2"
	default:
		return "P1"
	}
}
