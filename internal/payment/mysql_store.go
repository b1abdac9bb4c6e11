package payment

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	xerrors "A2A-PayGate/internal/errors"
	"A2A-PayGate/internal/storage/mysql"
)

const (
	insertReceiptSQL = `INSERT INTO payment_receipts
    (payment_id, payer, payee, amount, token, chain_id, settlement_proof, route, settled_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	selectReceiptColumns = `SELECT payment_id, payer, payee, amount, token, chain_id, settlement_proof, route, settled_at
    FROM payment_receipts`
)

// MySQLReceiptStore 将收据持久化到 MySQL，payment_id 唯一键保证幂等。
type MySQLReceiptStore struct {
	db *sql.DB
}

// NewMySQLReceiptStore 建立连接并执行迁移。
func NewMySQLReceiptStore(ctx context.Context, cfg mysql.Config) (*MySQLReceiptStore, error) {
	db, err := mysql.Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接收据数据库失败")
	}
	if err := mysql.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行收据表迁移失败")
	}
	return &MySQLReceiptStore{db: db}, nil
}

// NewMySQLReceiptStoreWithDB 使用已有连接池，调用方负责迁移。
func NewMySQLReceiptStoreWithDB(db *sql.DB) *MySQLReceiptStore {
	return &MySQLReceiptStore{db: db}
}

// Insert 实现 ReceiptStore 接口。
func (s *MySQLReceiptStore) Insert(ctx context.Context, r Receipt) error {
	_, err := s.db.ExecContext(ctx, insertReceiptSQL,
		r.PaymentID,
		r.Payer,
		r.Payee,
		r.Amount,
		r.Token,
		r.ChainID,
		r.SettlementProof,
		r.Route,
		r.Timestamp.UTC(),
	)
	if err != nil {
		if mysql.IsDuplicateKey(err) {
			return xerrors.Wrap(xerrors.CodeConflict, err, "收据已存在", xerrors.WithMetadata("payment_id", r.PaymentID))
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入收据失败")
	}
	return nil
}

// Get 实现 ReceiptStore 接口。
func (s *MySQLReceiptStore) Get(ctx context.Context, paymentID string) (Receipt, error) {
	rows, err := s.db.QueryContext(ctx, selectReceiptColumns+` WHERE payment_id = ?`, paymentID)
	if err != nil {
		return Receipt{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询收据失败")
	}
	receipts, err := scanReceipts(rows)
	if err != nil {
		return Receipt{}, err
	}
	if len(receipts) == 0 {
		return Receipt{}, ErrReceiptNotFound
	}
	return receipts[0], nil
}

// ByRoute 实现 ReceiptStore 接口。
func (s *MySQLReceiptStore) ByRoute(ctx context.Context, route string) ([]Receipt, error) {
	rows, err := s.db.QueryContext(ctx, selectReceiptColumns+` WHERE route = ? ORDER BY settled_at, payment_id`, route)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询路由收据失败")
	}
	return scanReceipts(rows)
}

// All 实现 ReceiptStore 接口。
func (s *MySQLReceiptStore) All(ctx context.Context) ([]Receipt, error) {
	rows, err := s.db.QueryContext(ctx, selectReceiptColumns+` ORDER BY settled_at, payment_id`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询收据失败")
	}
	return scanReceipts(rows)
}

// Close 关闭连接池。
func (s *MySQLReceiptStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanReceipts(rows *sql.Rows) ([]Receipt, error) {
	defer rows.Close()

	var receipts []Receipt
	for rows.Next() {
		var (
			r       Receipt
			amount  string
			settled time.Time
		)
		if err := rows.Scan(&r.PaymentID, &r.Payer, &r.Payee, &amount, &r.Token, &r.ChainID, &r.SettlementProof, &r.Route, &settled); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析收据失败")
		}
		r.Amount = amount
		r.Timestamp = settled.UTC()
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		if stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "遍历收据超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历收据失败")
	}
	return receipts, nil
}

var _ ReceiptStore = (*MySQLReceiptStore)(nil)
