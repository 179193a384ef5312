package issuance

import (
	"errors"
	"fmt"
)

// Error kinds, match with errors.Is against an error returned by Issue.
var (
	ErrConfiguration    = errors.New("configuration error")
	ErrNotFound         = errors.New("host public key not found")
	ErrInvalidPublicKey = errors.New("invalid host public key")
	ErrSigningFailed    = errors.New("signing failed")
	ErrPublish          = errors.New("publish failed")
)

// State is a stage of the issuance pipeline.
type State int

const (
	ResolvingAuthority State = iota
	FetchingKey
	Signing
	Publishing
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case ResolvingAuthority:
		return "resolving authority"
	case FetchingKey:
		return "fetching key"
	case Signing:
		return "signing"
	case Publishing:
		return "publishing"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StageError is returned when the pipeline fails. Stage is where it stopped,
// Kind is one of the Err* kinds and Err is the underlying cause.
type StageError struct {
	Stage State
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s while %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func stageError(stage State, kind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}
