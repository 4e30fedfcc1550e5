package value

import "errors"

// ErrUnresolvedReference is wrapped into the error returned by Substitute
// when a token's TASK_ID cannot be resolved by the supplied Resolver
// (out of scope, not yet completed, or simply unknown). Callers translate
// this into gzerr.CodeUnresolvedReference.
var ErrUnresolvedReference = errors.New("unresolved_reference")
