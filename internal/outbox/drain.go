package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// RemoteApply is the external operation set that performs mutations against
// the backend. Every operation must be safe to invoke more than once with
// the same input: validate/cancel on an already-settled transfer are no-op
// successes, updates are last-write-wins. Create deduplicates on the
// idempotency token when the backend supports it; otherwise an interrupted
// retry can duplicate the transfer.
//
// Success is explicit: a false without error still counts as failure and
// leaves the record queued.
type RemoteApply interface {
	Validate(ctx context.Context, id string) (bool, error)
	Cancel(ctx context.Context, id string) (bool, error)
	UpdateHeader(ctx context.Context, id string, fields map[string]any) (bool, error)
	UpdateLine(ctx context.Context, lineID string, fields map[string]any) (bool, error)
	Create(ctx context.Context, payload map[string]any, token string) (int64, error)
}

// Result summarizes one drain pass over a kind. Errors maps record keys to
// the failure that left them queued, so callers can render more than a
// blanket success toast.
type Result struct {
	Kind      Kind              `json:"kind"`
	Attempted int               `json:"attempted"`
	Applied   int               `json:"applied"`
	Failed    int               `json:"failed"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// Drainer replays pending records against RemoteApply, removing each record
// only on confirmed success. One worker per kind process-wide: a drain that
// finds its kind already in flight returns ErrDrainInFlight instead of
// double-draining.
type Drainer struct {
	store  *Store
	remote RemoteApply
	logger Logger
	locks  map[Kind]*sync.Mutex
}

func NewDrainer(store *Store, remote RemoteApply, logger Logger) (*Drainer, error) {
	if store == nil || remote == nil {
		return nil, ErrInvalidInput
	}
	locks := make(map[Kind]*sync.Mutex, len(Kinds()))
	for _, kind := range Kinds() {
		locks[kind] = &sync.Mutex{}
	}
	return &Drainer{
		store:  store,
		remote: remote,
		logger: logger,
		locks:  locks,
	}, nil
}

// Drain runs one pass over kind. Individual record failures are absorbed:
// the record stays queued, the loop continues, and the failure lands in the
// Result instead of aborting the batch. Partial progress beats
// all-or-nothing here because the next cycle simply retries the remainder.
func (d *Drainer) Drain(ctx context.Context, kind Kind) (Result, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return Result{}, err
	}
	lock := d.locks[kind]
	if !lock.TryLock() {
		return Result{}, fmt.Errorf("%w: %s", ErrDrainInFlight, kind)
	}
	defer lock.Unlock()

	records, err := d.store.List(kind)
	if err != nil {
		return Result{}, err
	}
	result := Result{Kind: kind, Errors: map[string]string{}}
	for _, record := range records {
		if ctx.Err() != nil {
			// Interrupted mid-loop; whatever is left stays queued for the
			// next cycle.
			break
		}
		result.Attempted++
		ok, applyErr := d.apply(ctx, kind, record)
		if applyErr != nil || !ok {
			result.Failed++
			if applyErr != nil {
				result.Errors[record.Key] = applyErr.Error()
				d.logf("drain %s: %s failed: %v", kind, record.Key, applyErr)
			} else {
				result.Errors[record.Key] = "remote did not confirm"
				d.logf("drain %s: %s not confirmed", kind, record.Key)
			}
			continue
		}
		if removeErr := d.store.Remove(kind, record.Key); removeErr != nil {
			// Applied remotely but still queued locally; the next drain
			// re-applies, which idempotency makes safe for every kind but
			// create, where the token covers it.
			result.Failed++
			result.Errors[record.Key] = removeErr.Error()
			d.logf("drain %s: %s applied but not removed: %v", kind, record.Key, removeErr)
			continue
		}
		result.Applied++
	}
	if len(result.Errors) == 0 {
		result.Errors = nil
	}
	return result, nil
}

// DrainAll drains every kind once, in the order Kinds() defines. A kind
// already in flight is skipped rather than treated as an error.
func (d *Drainer) DrainAll(ctx context.Context) ([]Result, error) {
	results := make([]Result, 0, len(Kinds()))
	for _, kind := range Kinds() {
		result, err := d.Drain(ctx, kind)
		if err != nil {
			if errors.Is(err, ErrDrainInFlight) {
				continue
			}
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

func (d *Drainer) apply(ctx context.Context, kind Kind, record Record) (bool, error) {
	switch kind {
	case KindValidate:
		return d.remote.Validate(ctx, record.Key)
	case KindCancel:
		return d.remote.Cancel(ctx, record.Key)
	case KindHeaderUpdate:
		return d.remote.UpdateHeader(ctx, record.Key, record.Payload)
	case KindLineUpdate:
		return d.remote.UpdateLine(ctx, record.Key, record.Payload)
	case KindCreate:
		newID, err := d.remote.Create(ctx, record.Payload, record.Token)
		if err != nil {
			return false, err
		}
		return newID > 0, nil
	default:
		return false, ErrUnknownKind
	}
}

func (d *Drainer) logf(format string, args ...any) {
	if d.logger == nil {
		return
	}
	d.logger.Printf(format, args...)
}
