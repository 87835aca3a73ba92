package conn

import "errors"

// Sentinel errors used for wrapping so callers can classify via errors.Is,
// mirroring the teacher's internal/server/errors.go.
var (
	ErrProtocol    = errors.New("protocol error")
	ErrIO          = errors.New("io error")
	ErrReadTimeout = errors.New("read deadline exceeded")
)
