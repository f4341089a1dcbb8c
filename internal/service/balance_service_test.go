package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unischolar/mileage-api/internal/models"
	appErrors "github.com/unischolar/mileage-api/pkg/errors"
)

type mockLedgerTotals struct {
	totals map[string]int64
	calls  int
}

func (m *mockLedgerTotals) Total(ctx context.Context, userID string) (int64, error) {
	m.calls++
	return m.totals[userID], nil
}

type mockCommittedSums struct {
	committed map[string]int64
}

func (m *mockCommittedSums) SumCommitted(ctx context.Context, userID string) (int64, error) {
	return m.committed[userID], nil
}

type mockSnapshotCache struct {
	entries map[string]models.BalanceSnapshot
	deleted []string
}

func (m *mockSnapshotCache) Get(ctx context.Context, key string, dest interface{}) error {
	entry, ok := m.entries[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	*dest.(*models.BalanceSnapshot) = entry
	return nil
}

func (m *mockSnapshotCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if m.entries == nil {
		m.entries = make(map[string]models.BalanceSnapshot)
	}
	m.entries[key] = *value.(*models.BalanceSnapshot)
	return nil
}

func (m *mockSnapshotCache) Delete(ctx context.Context, key string) error {
	m.deleted = append(m.deleted, key)
	delete(m.entries, key)
	return nil
}

func TestBalanceSnapshotDerivation(t *testing.T) {
	ledger := &mockLedgerTotals{totals: map[string]int64{"u1": 300}}
	exchanges := &mockCommittedSums{committed: map[string]int64{"u1": 100}}
	svc := NewBalanceService(ledger, exchanges, nil, time.Second, nil, nil)

	snapshot, err := svc.Snapshot(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), snapshot.Total)
	assert.Equal(t, int64(100), snapshot.Committed)
	assert.Equal(t, int64(200), snapshot.Available)
}

func TestBalanceGrantRequestSettleRoundTrip(t *testing.T) {
	// Grant 500, request an exchange of 200, then settle it: the debit lands
	// on the ledger and the commitment clears, leaving 300 available.
	ledger := &mockLedgerTotals{totals: map[string]int64{"u1": 500}}
	exchanges := &mockCommittedSums{committed: map[string]int64{"u1": 200}}
	svc := NewBalanceService(ledger, exchanges, nil, time.Second, nil, nil)

	before, err := svc.Recompute(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), before.Available)

	ledger.totals["u1"] = 300
	exchanges.committed["u1"] = 0

	after, err := svc.Recompute(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), after.Total)
	assert.Equal(t, int64(0), after.Committed)
	assert.Equal(t, int64(300), after.Available)
}

func TestBalanceSnapshotServedFromCache(t *testing.T) {
	ledger := &mockLedgerTotals{totals: map[string]int64{"u1": 100}}
	exchanges := &mockCommittedSums{}
	cache := &mockSnapshotCache{}
	svc := NewBalanceService(ledger, exchanges, cache, time.Minute, nil, nil)

	_, err := svc.Snapshot(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, ledger.calls)

	_, err = svc.Snapshot(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, ledger.calls, "second read should hit the cache")
}

func TestBalanceRecomputeBypassesCache(t *testing.T) {
	ledger := &mockLedgerTotals{totals: map[string]int64{"u1": 100}}
	exchanges := &mockCommittedSums{}
	cache := &mockSnapshotCache{entries: map[string]models.BalanceSnapshot{
		"balance:u1": {UserID: "u1", Total: 999, Available: 999},
	}}
	svc := NewBalanceService(ledger, exchanges, cache, time.Minute, nil, nil)

	snapshot, err := svc.Recompute(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), snapshot.Total)
	assert.Equal(t, int64(100), cache.entries["balance:u1"].Total, "recompute refreshes the cached copy")
}

func TestBalanceInvalidateDropsCache(t *testing.T) {
	cache := &mockSnapshotCache{entries: map[string]models.BalanceSnapshot{
		"balance:u1": {UserID: "u1"},
	}}
	svc := NewBalanceService(&mockLedgerTotals{}, &mockCommittedSums{}, cache, time.Minute, nil, nil)

	svc.Invalidate(context.Background(), "u1")
	assert.Contains(t, cache.deleted, "balance:u1")
	assert.Empty(t, cache.entries)
}

func TestBalanceCanCommit(t *testing.T) {
	ledger := &mockLedgerTotals{totals: map[string]int64{"u1": 150}}
	exchanges := &mockCommittedSums{committed: map[string]int64{"u1": 50}}
	svc := NewBalanceService(ledger, exchanges, nil, time.Second, nil, nil)

	ok, err := svc.CanCommit(context.Background(), "u1", 100)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.CanCommit(context.Background(), "u1", 101)
	require.NoError(t, err)
	assert.False(t, ok)
}
