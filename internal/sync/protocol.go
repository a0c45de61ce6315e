// Package sync implements the HTTP push/pull exchange of queued events
// between slaves and the master.
package sync

import (
	"errors"

	"github.com/hourkeeper/hourkeeper/internal/domain"
)

// PushRequest is the body a slave POSTs to the master's event endpoint.
type PushRequest struct {
	Secret      string              `json:"secret"`
	Hostname    string              `json:"hostname"`
	Events      []domain.AdminEvent `json:"events"`
	ClientStats *domain.ClientStats `json:"client_stats,omitempty"`
}

// ErrBadSecret rejects a push whose shared secret does not match. The
// whole batch is discarded, nothing is partially applied.
var ErrBadSecret = errors.New("access token mismatch")
