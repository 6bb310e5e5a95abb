package outbox

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrUnknownKind    = errors.New("unknown action kind")
	ErrDrainInFlight  = errors.New("drain already in flight")
	ErrOffline        = errors.New("remote unreachable")
	ErrNotImplemented = errors.New("not implemented")
)

// Kind identifies one of the five deferred-intent categories.
type Kind string

const (
	KindValidate     Kind = "validate"
	KindCancel       Kind = "cancel"
	KindHeaderUpdate Kind = "header-update"
	KindLineUpdate   Kind = "line-update"
	KindCreate       Kind = "create"
)

// Kinds returns every action kind in drain order. Creations go first so
// transfers drafted offline exist remotely before anything references them;
// cancellations go before line updates so edits to a transfer that was also
// cancelled offline fail fast on the remote side. Whether such line updates
// should be suppressed entirely is a product decision, not made here.
func Kinds() []Kind {
	return []Kind{KindCreate, KindValidate, KindCancel, KindHeaderUpdate, KindLineUpdate}
}

func ParseKind(raw string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(raw)))
	switch kind {
	case KindValidate, KindCancel, KindHeaderUpdate, KindLineUpdate, KindCreate:
		return kind, nil
	default:
		return "", ErrUnknownKind
	}
}

// Record is one durably stored intent to perform a remote mutation. Key
// identifies the target remote entity, or a locally generated placeholder for
// creations. Token is a client-side idempotency token, set on creation
// records so an interrupted create can be deduplicated server-side.
type Record struct {
	Key        string         `json:"key"`
	Payload    map[string]any `json:"payload"`
	Token      string         `json:"token,omitempty"`
	EnqueuedAt string         `json:"enqueuedAt"`
}

// NewPlaceholderKey generates a local key for a not-yet-created transfer.
func NewPlaceholderKey() string {
	return "local-" + uuid.NewString()
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Logger is the minimal logging surface injected into every component.
type Logger interface {
	Printf(format string, args ...any)
}
