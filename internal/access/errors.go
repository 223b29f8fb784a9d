package access

import "errors"

var (
	ErrAccessDenied   = errors.New("access: denied")
	ErrUnknownRole    = errors.New("access: unknown role")
	ErrInvalidActor   = errors.New("access: invalid actor")
	ErrMutationScope  = errors.New("access: mutation requires a single campus scope")
	ErrScopeViolation = errors.New("access: campus outside resolved scope")
)
