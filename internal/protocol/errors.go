package protocol

import "errors"

var (
	ErrNotJSON         = errors.New("protocol: payload not JSON")
	ErrUnexpectedKeys  = errors.New("protocol: unexpected key set")
	ErrUnknownState    = errors.New("protocol: unrecognized state")
	ErrUnknownKind     = errors.New("protocol: unrecognized kind")
	ErrFieldType       = errors.New("protocol: field type mismatch")
	ErrInvalidParams   = errors.New("protocol: invalid parameter block")
	ErrInvalidRoster   = errors.New("protocol: invalid roster")
	ErrMissingHostname = errors.New("protocol: missing hostname")
)
