package fulfillment

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func recordStores(t *testing.T) map[string]RecordStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sqlite, err := NewSQLiteRecords(db)
	require.NoError(t, err)
	stores := map[string]RecordStore{
		"memory": NewMemoryRecords(),
		"sqlite": sqlite,
	}
	// Postgres runs only when a server is provided.
	if dsn := os.Getenv("ORDERFLOW_TEST_POSTGRES"); dsn != "" {
		pgdb, err := sql.Open("pgx", dsn)
		require.NoError(t, err)
		t.Cleanup(func() { _ = pgdb.Close() })
		pg, err := NewPostgresRecords(pgdb)
		require.NoError(t, err)
		for _, tbl := range []string{"orders", "payments", "shipments"} {
			_, err := pgdb.Exec("DELETE FROM " + tbl)
			require.NoError(t, err)
		}
		stores["postgres"] = pg
	}
	return stores
}

func TestRecordStore_OrderRoundTrip(t *testing.T) {
	for name, store := range recordStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.GetOrder(ctx, "o1")
			require.ErrorIs(t, err, ErrRecordNotFound)

			o := &Order{
				ID:       "o1",
				Customer: "alice",
				Items: []Item{
					{SKU: "sku-1", Quantity: 3, UnitPrice: 100},
				},
				Address:   "1 Main St",
				CreatedAt: time.Now().UTC(),
			}
			require.NoError(t, store.SaveOrder(ctx, o))

			got, err := store.GetOrder(ctx, "o1")
			require.NoError(t, err)
			require.Equal(t, "alice", got.Customer)
			require.Equal(t, int64(300), got.Total())

			// Saving again is an upsert, not an error.
			o.Customer = "alice b"
			require.NoError(t, store.SaveOrder(ctx, o))
			got, err = store.GetOrder(ctx, "o1")
			require.NoError(t, err)
			require.Equal(t, "alice b", got.Customer)

			require.NoError(t, store.UpdateOrderAddress(ctx, "o1", "9 Elm St"))
			got, err = store.GetOrder(ctx, "o1")
			require.NoError(t, err)
			require.Equal(t, "9 Elm St", got.Address)

			require.ErrorIs(t, store.UpdateOrderAddress(ctx, "ghost", "x"), ErrRecordNotFound)
		})
	}
}

func TestRecordStore_PaymentsAndShipments(t *testing.T) {
	for name, store := range recordStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			p := &Payment{ID: "pay-1", OrderID: "o2", Amount: 499, ChargedAt: time.Now().UTC()}
			require.NoError(t, store.SavePayment(ctx, p))
			// Replaying the same payment id is a no-op.
			require.NoError(t, store.SavePayment(ctx, p))

			got, err := store.GetPayment(ctx, "pay-1")
			require.NoError(t, err)
			require.Equal(t, int64(499), got.Amount)

			_, err = store.GetPayment(ctx, "ghost")
			require.ErrorIs(t, err, ErrRecordNotFound)

			base := time.Now().UTC()
			for i, id := range []string{"sh-1", "sh-2"} {
				require.NoError(t, store.SaveShipment(ctx, &Shipment{
					ID:           id,
					OrderID:      "o2",
					Address:      "1 Main St",
					Carrier:      "ACME-EXPRESS",
					TrackingID:   "trk-" + id,
					DispatchedAt: base.Add(time.Duration(i) * time.Second),
				}))
			}
			require.NoError(t, store.SaveShipment(ctx, &Shipment{ID: "sh-other", OrderID: "o3", DispatchedAt: base}))

			shipments, err := store.ListShipments(ctx, "o2")
			require.NoError(t, err)
			require.Len(t, shipments, 2)
			require.Equal(t, "sh-1", shipments[0].ID)
			require.Equal(t, "sh-2", shipments[1].ID)
		})
	}
}
