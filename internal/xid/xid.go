package xid

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// New returns a prefixed random identifier such as "sale-3f0c...".
func New(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// OrderNumber returns a short human-readable sale number, unique in practice
// and enforced unique by the store: S-20261017-9F2C41AB.
func OrderNumber(at time.Time) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "S-" + at.UTC().Format("20060102") + "-" + strings.ToUpper(id[:8])
}
