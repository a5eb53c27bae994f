package job

import "fmt"

// OutcomeKind is the terminal disposition of a job body.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailure
	OutcomeErrored
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeErrored:
		return "errored"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is what a job body returns instead of raising.
type Outcome struct {
	Kind    OutcomeKind
	Value   any    // success only
	Message string // failure only
	Err     error  // errored only
}

// Success carries the job's return value.
func Success(v any) Outcome { return Outcome{Kind: OutcomeSuccess, Value: v} }

// Failure signals a job-visible failure. Prefer Context.LogFailure, which also
// records the message.
func Failure(msg string) Outcome { return Outcome{Kind: OutcomeFailure, Message: msg} }

// Errored reports an unexpected error from the job body.
func Errored(err error) Outcome { return Outcome{Kind: OutcomeErrored, Err: err} }
