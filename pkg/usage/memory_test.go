package usage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriod_HalfOpenWindow(t *testing.T) {
	start := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	p := &Period{PeriodStart: start, PeriodEnd: NextPeriodEnd(start)}

	assert.True(t, p.Covers(start))
	assert.False(t, p.Covers(p.PeriodEnd))
	assert.False(t, p.Closed(start))
	assert.True(t, p.Closed(p.PeriodEnd))
}

func TestMemoryStore_ReconciliationLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Increment(ctx, "user-a", 1350, jan15)
	require.NoError(t, err)
	_, err = store.Increment(ctx, "user-b", 10, jan15)
	require.NoError(t, err)

	cutoff := time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)

	users, err := store.UsersWithUnreconciled(ctx, cutoff)
	require.NoError(t, err)
	assert.Empty(t, users, "open periods are not reconcilable")

	_, err = store.Rollover(ctx, cutoff)
	require.NoError(t, err)

	users, err = store.UsersWithUnreconciled(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, []string{"user-a", "user-b"}, users)

	periods, err := store.Unreconciled(ctx, "user-a", cutoff)
	require.NoError(t, err)
	require.Len(t, periods, 1)

	require.NoError(t, store.SetInvoiceItem(ctx, periods[0].ID, "ii_123", 350))
	require.NoError(t, store.MarkReconciled(ctx, []int64{periods[0].ID}, cutoff))

	periods, err = store.Unreconciled(ctx, "user-a", cutoff)
	require.NoError(t, err)
	assert.Empty(t, periods)

	history, err := store.History(ctx, "user-a", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	settled := history[1]
	require.NotNil(t, settled.InvoiceItemID)
	assert.Equal(t, "ii_123", *settled.InvoiceItemID)
	assert.Equal(t, int64(350), settled.ChargedCents)
	assert.True(t, settled.Reconciled())
}

func TestMemoryStore_SetInvoiceItemUnknownPeriod(t *testing.T) {
	err := NewMemoryStore().SetInvoiceItem(context.Background(), 99, "ii_1", 1)
	var se *StorageError
	assert.ErrorAs(t, err, &se)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	p, err := store.Increment(ctx, "user-1", 5, jan15)
	require.NoError(t, err)
	p.TokensUsed = 1000

	current, err := store.Current(ctx, "user-1", jan15)
	require.NoError(t, err)
	assert.Equal(t, int64(5), current.TokensUsed)
}

func TestMemoryStore_SetInvoice(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p, err := store.Increment(ctx, "user-a", 10, jan15)
	require.NoError(t, err)

	require.NoError(t, store.SetInvoice(ctx, []int64{p.ID}, "in_1"))
	current, err := store.Current(ctx, "user-a", jan15)
	require.NoError(t, err)
	require.NotNil(t, current.InvoiceID)
	assert.Equal(t, "in_1", *current.InvoiceID)

	require.NoError(t, store.SetInvoice(ctx, []int64{p.ID}, ""))
	current, err = store.Current(ctx, "user-a", jan15)
	require.NoError(t, err)
	assert.Nil(t, current.InvoiceID)

	require.NoError(t, store.MarkReconciled(ctx, []int64{p.ID}, jan15))
	require.NoError(t, store.SetInvoice(ctx, []int64{p.ID}, "in_2"))
	current, err = store.Current(ctx, "user-a", jan15)
	require.NoError(t, err)
	assert.Nil(t, current.InvoiceID)
}
