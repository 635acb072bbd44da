package authorization

import "errors"

var (
	ErrInvalidActor   = errors.New("invalid_actor")
	ErrInvalidRole    = errors.New("invalid_role")
	ErrInvalidObject  = errors.New("invalid_object")
	ErrInvalidAction  = errors.New("invalid_action")
	ErrForbidden      = errors.New("forbidden")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrBadCredentials = errors.New("invalid_operator_credentials")
)
