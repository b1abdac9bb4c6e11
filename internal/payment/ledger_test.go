package payment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "A2A-PayGate/internal/errors"
	"A2A-PayGate/internal/events"
)

func testReceipt(id, route, amount string) Receipt {
	return Receipt{
		PaymentID:       id,
		Payer:           testPayer,
		Payee:           testPayee,
		Amount:          amount,
		Token:           "USDC",
		ChainID:         8453,
		SettlementProof: "0xtx-" + id,
		Timestamp:       time.Date(2025, 1, 2, 3, 4, 5, 6000, time.UTC),
		Route:           route,
	}
}

func TestLedgerRevenue(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(nil)

	created, err := ledger.Record(ctx, testReceipt("p1", "trading/execute", "1000"))
	require.NoError(t, err)
	assert.True(t, created)
	_, err = ledger.Record(ctx, testReceipt("p2", "Trading/Execute/", "2000"))
	require.NoError(t, err)

	byRoute, err := ledger.RevenueByRoute(ctx, "trading/execute")
	require.NoError(t, err)
	assert.Equal(t, "3000", byRoute.String())

	total, err := ledger.TotalRevenue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3000", total.String())

	_, err = ledger.Record(ctx, testReceipt("p3", "research/report", "500"))
	require.NoError(t, err)
	breakdown, err := ledger.RevenueBreakdown(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3000", breakdown["trading/execute"].String())
	assert.Equal(t, "500", breakdown["research/report"].String())

	receipts, err := ledger.ByRoute(ctx, "/TRADING/EXECUTE")
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	assert.Equal(t, "p1", receipts[0].PaymentID)

	empty, err := ledger.RevenueByRoute(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, "0", empty.String())
}

func TestLedgerIdempotentRecord(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(nil)
	receipt := testReceipt("p1", "trading/execute", "1000")

	created, err := ledger.Record(ctx, receipt)
	require.NoError(t, err)
	require.True(t, created)

	created, err = ledger.Record(ctx, receipt)
	require.NoError(t, err)
	assert.False(t, created)

	all, err := ledger.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	total, err := ledger.TotalRevenue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1000", total.String())
}

func TestLedgerConflictingRecord(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(nil)
	_, err := ledger.Record(ctx, testReceipt("p1", "trading/execute", "1000"))
	require.NoError(t, err)

	cases := map[string]func(r *Receipt){
		"amount":    func(r *Receipt) { r.Amount = "2000" },
		"route":     func(r *Receipt) { r.Route = "other" },
		"timestamp": func(r *Receipt) { r.Timestamp = r.Timestamp.Add(time.Second) },
		"proof":     func(r *Receipt) { r.SettlementProof = "0xother" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := testReceipt("p1", "trading/execute", "1000")
			mutate(&r)
			created, err := ledger.Record(ctx, r)
			require.Error(t, err)
			assert.False(t, created)
			assert.True(t, IsConflict(err))
			assert.Equal(t, CodeReceiptConflict, xerrors.CodeOf(err))
		})
	}

	stored, err := ledger.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "1000", stored.Amount)
}

func TestLedgerRecordWithoutTimestampIsIdempotent(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(nil)
	r := testReceipt("p1", "trading/execute", "1000")
	r.Timestamp = time.Time{}

	created, err := ledger.Record(ctx, r)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = ledger.Record(ctx, r)
	require.NoError(t, err)
	assert.False(t, created)

	stored, err := ledger.Get(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, stored.Timestamp.IsZero())

	// 显式时间戳与账本补齐的时间不同时仍视为冲突。
	stamped := r
	stamped.Timestamp = stored.Timestamp.Add(time.Hour)
	_, err = ledger.Record(ctx, stamped)
	assert.True(t, IsConflict(err))

	r.Amount = "2000"
	_, err = ledger.Record(ctx, r)
	assert.True(t, IsConflict(err))
}

func TestLedgerNormalizesReceipts(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(nil)
	r := testReceipt("p1", "/Trading/Execute/", "0001000")
	r.Payer = "0x00000000000000000000000000000000000000A1"

	_, err := ledger.Record(ctx, r)
	require.NoError(t, err)

	stored, err := ledger.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "trading/execute", stored.Route)
	assert.Equal(t, "1000", stored.Amount)
	assert.Equal(t, CanonicalAddress(testPayer), stored.Payer)

	_, err = ledger.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrReceiptNotFound)
}

func TestLedgerRejectsInvalidReceipts(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(nil)

	_, err := ledger.Record(ctx, testReceipt("", "a", "1"))
	assert.Error(t, err)
	_, err = ledger.Record(ctx, testReceipt("p1", "a", "-5"))
	assert.Error(t, err)
	_, err = ledger.Record(ctx, testReceipt("p2", "a", "1.5"))
	assert.Error(t, err)
}

func TestLedgerConcurrentRecordSameID(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(nil)
	receipt := testReceipt("p1", "trading/execute", "1000")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ledger.Record(ctx, receipt)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
}

func TestLedgerPublishesSettlement(t *testing.T) {
	ctx := context.Background()
	publisher := events.NewMemoryPublisher(4)
	defer publisher.Close()
	ledger := NewLedger(nil, WithLedgerPublisher(publisher))

	_, err := ledger.Record(ctx, testReceipt("p1", "trading/execute", "1000"))
	require.NoError(t, err)
	_, err = ledger.Record(ctx, testReceipt("p1", "trading/execute", "1000"))
	require.NoError(t, err)

	assert.Equal(t, 1, publisher.Len())

	received := make(chan events.Event, 1)
	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	go func() {
		_ = publisher.Consume(cctx, 1, func(_ context.Context, e events.Event) error {
			received <- e
			return nil
		})
	}()
	select {
	case e := <-received:
		assert.Equal(t, events.TypePaymentSettled, e.Type)
		assert.Equal(t, "trading/execute", e.Subject)
		assert.Contains(t, string(e.Data), `"paymentId":"p1"`)
	case <-cctx.Done():
		t.Fatalf("no settlement event: %v", cctx.Err())
	}
}
