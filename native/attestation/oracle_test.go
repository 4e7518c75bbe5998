package attestation

import (
	"context"
	"errors"
	"testing"
	"time"

	"escrowd/storage"
)

type slowStore struct {
	delay  time.Duration
	record *Attestation
	err    error
}

func (s *slowStore) Lookup(ctx context.Context, id [32]byte) (*Attestation, bool, error) {
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-time.After(s.delay):
	}
	if s.err != nil {
		return nil, false, s.err
	}
	if s.record == nil {
		return nil, false, nil
	}
	return s.record.Clone(), true, nil
}

func TestOracleTimeoutFailsClosed(t *testing.T) {
	oracle := NewOracle(&slowStore{delay: 200 * time.Millisecond, record: validRecord()}, 20*time.Millisecond)
	record, found, err := oracle.Lookup(context.Background(), [32]byte{0x01})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if found || record != nil {
		t.Fatalf("timed-out lookup must report not found")
	}
}

func TestOracleErrorFailsClosed(t *testing.T) {
	oracle := NewOracle(&slowStore{err: errors.New("store down")}, time.Second)
	_, found, err := oracle.Lookup(context.Background(), [32]byte{0x01})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if found {
		t.Fatalf("failed lookup must report not found")
	}
}

func TestOraclePassesThroughResult(t *testing.T) {
	ledger := NewLedger(storage.NewMemDB())
	record := validRecord()
	if err := ledger.Put(record); err != nil {
		t.Fatalf("put: %v", err)
	}
	oracle := NewOracle(ledger, time.Second)
	got, found, err := oracle.Lookup(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !found || got.ID != record.ID {
		t.Fatalf("expected record round trip, found=%v", found)
	}
}
