package pipeline

import (
	"errors"
	"fmt"
)

// Stage names one step of the fixed pipeline sequence.
type Stage string

const (
	StagePreprocess Stage = "preprocessing"
	StageRecognize  Stage = "recognition"
	StageClean      Stage = "cleaning"
	StageNormalize  Stage = "normalization"
	StageExtract    Stage = "extraction"
	StageCompile    Stage = "compilation"
)

var (
	// ErrEmptyResult is returned when a stage reports success without output.
	ErrEmptyResult = errors.New("stage returned no result")
	// ErrMissingStage is returned by New when an enabled stage has no implementation.
	ErrMissingStage = errors.New("missing stage implementation")
)

// StageError is a collaborator failure tagged with the stage it happened in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// FailedStage returns the stage carried by err, if any.
func FailedStage(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}
