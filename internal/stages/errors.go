package stages

import "errors"

var (
	// ErrUnknownStage indicates a stage id outside the workflow.
	ErrUnknownStage = errors.New("unknown stage")
	// ErrPayloadInvalid indicates a payload that parsed as JSON but failed
	// the stage's required-field schema.
	ErrPayloadInvalid = errors.New("payload failed schema validation")
	// ErrConsensusDiverged indicates two consensus calls disagreed under the
	// escalate tie-break policy.
	ErrConsensusDiverged = errors.New("consensus calls diverged")
)
