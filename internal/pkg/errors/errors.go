package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrNotClaimant signals a task write by a worker that does not own the claim.
	ErrNotClaimant = errors.New("not claimant")
	// ErrNotInProgress signals a completion or heartbeat against a task that
	// is no longer IN_PROGRESS.
	ErrNotInProgress = errors.New("task not in progress")
	// ErrDuplicateArtifact signals a second artifact for the same (task, name).
	ErrDuplicateArtifact = errors.New("duplicate artifact")
	// ErrMissingArtifact signals a required input artifact that does not exist.
	ErrMissingArtifact = errors.New("missing input artifact")
	// ErrUnknownSchema signals a schema id absent from the registry.
	ErrUnknownSchema = errors.New("unknown schema")
	// ErrMissingBaseline signals an agent with neither an active prompt nor a v0 row.
	ErrMissingBaseline = errors.New("missing baseline prompt")
	// ErrUnknownAgent signals an agent id absent from the workflow definition.
	ErrUnknownAgent = errors.New("unknown agent")
)
