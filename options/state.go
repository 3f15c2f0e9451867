package options

// RequestState is the stage a Segment or Classify request is in.
type RequestState int

const (
	StateIdle RequestState = iota
	StatePreprocessing
	StateInferring
	StateFallbackInferring
	StatePostprocessing
	StateComplete
	StateFailed
)

var stateNames = [...]string{
	StateIdle:              "idle",
	StatePreprocessing:     "preprocessing",
	StateInferring:         "inferring",
	StateFallbackInferring: "fallback_inferring",
	StatePostprocessing:    "postprocessing",
	StateComplete:          "complete",
	StateFailed:            "failed",
}

func (s RequestState) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further transition can follow s.
func (s RequestState) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// StateObserver is called on every request state transition. It runs on the request goroutine and must
// not block.
type StateObserver func(task string, from, to RequestState)
