package models

import "errors"

// Error categories shared by every component. Concrete errors wrap one of these.
var (
	// ErrPrecondition marks an action rejected locally before any write.
	ErrPrecondition = errors.New("precondition failed")
	// ErrMissingIdentity means the client has no confirmed participant record.
	ErrMissingIdentity = errors.New("missing participant identity")
)
