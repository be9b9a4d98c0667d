package lockmgr

import (
	"github.com/google/uuid"
)

// NewOwnerID creates a new random owner ID for callers that do not bring their own
// (for example the CLI or a transaction).
func NewOwnerID() string {
	return uuid.NewString()
}
