package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type testDoc struct {
	ID     int64          `json:"id"`
	Status string         `json:"status"`
	Wallet testDocWallet  `json:"wallet"`
	Tags   map[string]any `json:"tags,omitempty"`
}

type testDocWallet struct {
	Account string `json:"account"`
	Index   int    `json:"index"`
}

func TestMemoryInsertFind(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Insert(ctx, Transactions, testDoc{ID: 0, Status: "pending", Wallet: testDocWallet{Account: "a", Index: 0}}))
	require.NoError(t, m.Insert(ctx, Transactions, testDoc{ID: 1, Status: "cancelled", Wallet: testDocWallet{Account: "a", Index: 1}}))
	require.NoError(t, m.Insert(ctx, Transactions, testDoc{ID: 2, Status: "ongoing", Wallet: testDocWallet{Account: "b", Index: 0}}))

	var doc testDoc
	require.NoError(t, m.FindOne(ctx, Transactions, Filter{"id": 1}, &doc))
	require.Equal(t, "cancelled", doc.Status)

	err := m.FindOne(ctx, Transactions, Filter{"id": 99}, &doc)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryDottedPathsAndNot(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Insert(ctx, Transactions, testDoc{ID: 0, Status: "pending", Wallet: testDocWallet{Account: "a"}}))
	require.NoError(t, m.Insert(ctx, Transactions, testDoc{ID: 1, Status: "cancelled", Wallet: testDocWallet{Account: "a"}}))
	require.NoError(t, m.Insert(ctx, Transactions, testDoc{ID: 2, Status: "pending", Wallet: testDocWallet{Account: "b"}}))

	var docs []testDoc
	require.NoError(t, m.FindAll(ctx, Transactions, Filter{
		"wallet.account": "a",
		"status":         Not{"cancelled"},
	}, &docs))
	require.Len(t, docs, 1)
	require.Equal(t, int64(0), docs[0].ID)
}

func TestMemoryReplaceUpserts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	// No match inserts.
	require.NoError(t, m.Replace(ctx, Transactions, Filter{"id": 0}, testDoc{ID: 0, Status: "pending"}))
	require.Equal(t, 1, m.Count(Transactions, Filter{}))

	// Match replaces in place.
	require.NoError(t, m.Replace(ctx, Transactions, Filter{"id": 0}, testDoc{ID: 0, Status: "ongoing"}))
	require.Equal(t, 1, m.Count(Transactions, Filter{}))

	var doc testDoc
	require.NoError(t, m.FindOne(ctx, Transactions, Filter{"id": 0}, &doc))
	require.Equal(t, "ongoing", doc.Status)
}

func TestMemoryUpdateFields(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Insert(ctx, Tickets, testDoc{ID: 5, Status: "pending", Wallet: testDocWallet{Account: "a", Index: 3}}))
	require.NoError(t, m.UpdateFields(ctx, Tickets, Filter{"id": 5}, map[string]any{
		"status":       "closed",
		"wallet.index": 7,
	}))

	var doc testDoc
	require.NoError(t, m.FindOne(ctx, Tickets, Filter{"id": 5}, &doc))
	require.Equal(t, "closed", doc.Status)
	require.Equal(t, 7, doc.Wallet.Index)
}

func TestMemoryMaxID(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	maxID, err := m.MaxID(ctx, Users)
	require.NoError(t, err)
	require.Equal(t, int64(-1), maxID)

	require.NoError(t, m.Insert(ctx, Users, testDoc{ID: 0}))
	require.NoError(t, m.Insert(ctx, Users, testDoc{ID: 4}))
	require.NoError(t, m.Insert(ctx, Users, testDoc{ID: 2}))

	maxID, err = m.MaxID(ctx, Users)
	require.NoError(t, err)
	require.Equal(t, int64(4), maxID)
}
