package idgen

import (
	"github.com/google/uuid"
)

// ID prefixes for different kinds of identifiers
const (
	PrefixMessage  = "msg_"
	PrefixGrant    = "grant_"
	PrefixListener = "lsn_"
	PrefixRequest  = "req_"
)

// NewMessage generates a bridge correlation ID with msg_ prefix
func NewMessage() string {
	return PrefixMessage + uuid.New().String()
}

// NewGrant generates a local grant ID with grant_ prefix.
// Used for parent-initiated manual grants that never reached the server.
func NewGrant() string {
	return PrefixGrant + uuid.New().String()
}

// NewListener generates a feed listener ID with lsn_ prefix
func NewListener() string {
	return PrefixListener + uuid.New().String()
}

// NewRequest generates an HTTP request ID with req_ prefix
func NewRequest() string {
	return PrefixRequest + uuid.New().String()
}
