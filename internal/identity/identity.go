// Package identity names a running bridge instance.
//
// The identity is generated once at startup and never persisted. It tags the
// control connection to the overlay server, so events caused by our own
// commands can be recognized, and it keys the via header stamped on every
// message we publish to the broker.
package identity

import (
	"strings"

	"github.com/google/uuid"

	"github.com/overlaybridge/overlay-bridge/internal/pkg/errors"
)

const (
	// Prefix starts every identity.
	Prefix = "proxy-"

	// ViaHeaderPrefix starts the header key marking a message as having
	// passed through a bridge instance.
	ViaHeaderPrefix = "x-via-"
)

// Identity is the process-wide identifier of a bridge instance.
type Identity string

// New generates a fresh identity of the form proxy-<uuid v1>.
func New() (Identity, error) {
	id, err := uuid.NewUUID()
	if err != nil {
		return "", errors.InternalError("generate instance identity", err)
	}
	return Identity(Prefix + id.String()), nil
}

// String returns the identity as used on the wire.
func (id Identity) String() string {
	return string(id)
}

// ViaHeader returns the header key x-via-<identity>.
func (id Identity) ViaHeader() string {
	return ViaHeaderPrefix + string(id)
}

// IsVia reports whether a header key is the via header of any instance.
func IsVia(header string) bool {
	return strings.HasPrefix(header, ViaHeaderPrefix)
}
