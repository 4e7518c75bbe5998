package attestation

import (
	"context"
	"time"

	"escrowd/observability"
)

const defaultLookupTimeout = 5 * time.Second

// Oracle wraps a Store with a bounded lookup timeout and a fail-closed policy:
// a timeout or transport failure is reported as "not found" so the caller can
// never treat an unreachable store as a satisfied check.
type Oracle struct {
	store   Store
	timeout time.Duration
}

// NewOracle builds an oracle over the supplied store. A non-positive timeout
// falls back to the default.
func NewOracle(store Store, timeout time.Duration) *Oracle {
	if timeout <= 0 {
		timeout = defaultLookupTimeout
	}
	return &Oracle{store: store, timeout: timeout}
}

// Lookup implements Store with the bounded, fail-closed semantics above.
func (o *Oracle) Lookup(ctx context.Context, id [32]byte) (*Attestation, bool, error) {
	if o == nil || o.store == nil {
		return nil, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	bounded, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	type result struct {
		record *Attestation
		found  bool
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		record, found, err := o.store.Lookup(bounded, id)
		ch <- result{record: record, found: found, err: err}
	}()

	select {
	case <-bounded.Done():
		observability.Engine().RecordAttestationLookup("timeout")
		return nil, false, nil
	case res := <-ch:
		switch {
		case res.err != nil:
			observability.Engine().RecordAttestationLookup("error")
			return nil, false, nil
		case res.found:
			observability.Engine().RecordAttestationLookup("found")
		default:
			observability.Engine().RecordAttestationLookup("not_found")
		}
		return res.record, res.found, nil
	}
}
