package payment

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "A2A-PayGate/internal/errors"
	"A2A-PayGate/internal/storage/mysql"
	"A2A-PayGate/internal/storage/mysql/mysqltest"
)

var receiptColumns = []string{"payment_id", "payer", "payee", "amount", "token", "chain_id", "settlement_proof", "route", "settled_at"}

func receiptRow(r Receipt) []driver.Value {
	return []driver.Value{r.PaymentID, r.Payer, r.Payee, []byte(r.Amount), r.Token, r.ChainID, r.SettlementProof, r.Route, r.Timestamp}
}

func normalizedReceipt(t *testing.T, id, route, amount string) Receipt {
	t.Helper()
	r, err := testReceipt(id, route, amount).normalize()
	require.NoError(t, err)
	return r
}

func TestMySQLReceiptStoreInsert(t *testing.T) {
	r := normalizedReceipt(t, "p1", "trading/execute", "1000")
	db, drv := mysqltest.Open(t, mysqltest.Exec(insertReceiptSQL, mysqltest.Result{Affected: 1}))

	store := NewMySQLReceiptStoreWithDB(db)
	require.NoError(t, store.Insert(context.Background(), r))

	args := drv.Args(0)
	require.Len(t, args, 9)
	assert.Equal(t, "p1", args[0])
	assert.Equal(t, "1000", args[3])
	assert.Equal(t, int64(8453), args[5])
	assert.Equal(t, "trading/execute", args[7])
}

func TestMySQLReceiptStoreDuplicateKey(t *testing.T) {
	r := normalizedReceipt(t, "p1", "trading/execute", "1000")
	db, _ := mysqltest.Open(t,
		mysqltest.ExecErr(insertReceiptSQL, &mysqldriver.MySQLError{Number: 1062, Message: "Duplicate entry 'p1'"}),
		mysqltest.ExecErr(insertReceiptSQL, errors.New("connection reset")),
	)

	store := NewMySQLReceiptStoreWithDB(db)
	err := store.Insert(context.Background(), r)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))

	err = store.Insert(context.Background(), r)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))
}

func TestMySQLReceiptStoreQueries(t *testing.T) {
	r1 := normalizedReceipt(t, "p1", "trading/execute", "1000")
	r2 := normalizedReceipt(t, "p2", "trading/execute", "2000")

	db, _ := mysqltest.Open(t,
		mysqltest.Query(selectReceiptColumns+` WHERE payment_id = ?`, mysqltest.Rows{
			Columns: receiptColumns,
			Values:  [][]driver.Value{receiptRow(r1)},
		}),
		mysqltest.Query(selectReceiptColumns+` WHERE payment_id = ?`, mysqltest.Rows{Columns: receiptColumns}),
		mysqltest.Query(selectReceiptColumns+` WHERE route = ? ORDER BY settled_at, payment_id`, mysqltest.Rows{
			Columns: receiptColumns,
			Values:  [][]driver.Value{receiptRow(r1), receiptRow(r2)},
		}),
	)

	ctx := context.Background()
	store := NewMySQLReceiptStoreWithDB(db)

	got, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, got.Equal(r1))

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrReceiptNotFound)

	list, err := store.ByRoute(ctx, "trading/execute")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "2000", list[1].Amount)
}

func TestLedgerOverMySQLTreatsIdenticalDuplicateAsNoop(t *testing.T) {
	r := normalizedReceipt(t, "p1", "trading/execute", "1000")
	db, _ := mysqltest.Open(t,
		mysqltest.ExecErr(insertReceiptSQL, &mysqldriver.MySQLError{Number: 1062}),
		mysqltest.Query(selectReceiptColumns+` WHERE payment_id = ?`, mysqltest.Rows{
			Columns: receiptColumns,
			Values:  [][]driver.Value{receiptRow(r)},
		}),
	)

	ledger := NewLedger(NewMySQLReceiptStoreWithDB(db))
	created, err := ledger.Record(context.Background(), r)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestMySQLReceiptStoreIntegration(t *testing.T) {
	dsn := os.Getenv("PAYGATE_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("PAYGATE_TEST_MYSQL_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	store, err := NewMySQLReceiptStore(ctx, mysql.Config{DSN: dsn})
	require.NoError(t, err)
	defer store.Close()

	ledger := NewLedger(store)
	id := fmt.Sprintf("it-%d", time.Now().UnixNano())
	route := "integration/" + id
	r := testReceipt(id, route, "1000")
	r.Timestamp = time.Now()

	created, err := ledger.Record(ctx, r)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = ledger.Record(ctx, r)
	require.NoError(t, err)
	assert.False(t, created)

	r.Amount = "2000"
	_, err = ledger.Record(ctx, r)
	assert.True(t, IsConflict(err))

	_, err = ledger.Record(ctx, testReceipt(id+"-b", route, "2000"))
	require.NoError(t, err)
	total, err := ledger.RevenueByRoute(ctx, route)
	require.NoError(t, err)
	assert.Equal(t, "3000", total.String())
}
