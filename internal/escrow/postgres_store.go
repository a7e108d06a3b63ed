package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists orders and the escrow ledger in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `so.id, so.customer_id, so.supplier_id, so.status, so.total_amount,
	so.settlement_fee, so.shipping_address, so.wallet_address, so.settlement_call_id,
	so.order_date, so.updated_at`

func (p *PostgresStore) CreateOrder(ctx context.Context, order *Order) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO sales_orders (
			customer_id, supplier_id, status, total_amount, settlement_fee,
			shipping_address, wallet_address, settlement_call_id, order_date, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		order.CustomerID, order.SupplierID, string(order.Status), order.TotalAmount, order.SettlementFee,
		order.ShippingAddress, order.WalletAddress, nullString(order.SettlementCallID),
		order.OrderDate, order.UpdatedAt,
	).Scan(&order.ID)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		err := tx.QueryRowContext(ctx, `
			INSERT INTO order_items (order_id, product_id, product_name, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`,
			order.ID, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice,
		).Scan(&item.ID)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) GetOrder(ctx context.Context, id int64) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM sales_orders so WHERE so.id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := p.loadItems(ctx, []*Order{o}); err != nil {
		return nil, err
	}
	return o, nil
}

func (p *PostgresStore) TransitionStatus(ctx context.Context, id int64, from, to OrderStatus) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE sales_orders so SET status = $3, updated_at = NOW()
		WHERE so.id = $1 AND so.status = $2
		RETURNING `+orderColumns, id, string(from), string(to))
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Nothing matched: either the order is missing or it left `from`.
		if _, getErr := p.GetOrder(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrInvalidTransition
	}
	if err != nil {
		return nil, err
	}
	if err := p.loadItems(ctx, []*Order{o}); err != nil {
		return nil, err
	}
	return o, nil
}

func (p *PostgresStore) ListByCustomer(ctx context.Context, customerID int64, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM sales_orders so
		WHERE so.customer_id = $1
		ORDER BY so.order_date DESC, so.id DESC
		LIMIT $2`, customerID, limit)
	if err != nil {
		return nil, err
	}
	orders, err := scanOrders(rows)
	if err != nil {
		return nil, err
	}
	if err := p.loadItems(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (p *PostgresStore) AppendLedger(ctx context.Context, e *LedgerEntry) error {
	return p.db.QueryRowContext(ctx, `
		INSERT INTO escrow_ledger (order_id, tx_hash, block_number, gas_used, network, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		e.OrderID, e.TxHash, e.BlockNumber, e.GasUsed, e.Network, string(e.Status), e.CreatedAt,
	).Scan(&e.ID)
}

const ledgerColumns = `el.id, el.order_id, el.tx_hash, el.block_number, el.gas_used, el.network, el.status, el.created_at`

func (p *PostgresStore) LatestLedger(ctx context.Context, orderID int64) (*LedgerEntry, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+ledgerColumns+`
		FROM escrow_ledger el
		WHERE el.order_id = $1
		ORDER BY el.created_at DESC, el.id DESC
		LIMIT 1`, orderID)
	e, err := scanLedger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (p *PostgresStore) LatestLedgers(ctx context.Context, orderIDs []int64) (map[int64]*LedgerEntry, error) {
	result := make(map[int64]*LedgerEntry, len(orderIDs))
	if len(orderIDs) == 0 {
		return result, nil
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT ON (el.order_id) `+ledgerColumns+`
		FROM escrow_ledger el
		WHERE el.order_id = ANY($1)
		ORDER BY el.order_id, el.created_at DESC, el.id DESC`, pq.Array(orderIDs))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		e, err := scanLedger(rows)
		if err != nil {
			return nil, err
		}
		result[e.OrderID] = e
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListEvents(ctx context.Context, customerID int64, limit int) ([]*EscrowEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+ledgerColumns+`, so.status, so.total_amount, so.order_date
		FROM escrow_ledger el
		JOIN sales_orders so ON so.id = el.order_id
		WHERE so.customer_id = $1
		ORDER BY el.created_at DESC, el.id DESC
		LIMIT $2`, customerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*EscrowEvent
	for rows.Next() {
		ev := &EscrowEvent{}
		var ledgerStatus, orderStatus string
		if err := rows.Scan(
			&ev.Escrow.ID, &ev.Escrow.OrderID, &ev.Escrow.TxHash, &ev.Escrow.BlockNumber,
			&ev.Escrow.GasUsed, &ev.Escrow.Network, &ledgerStatus, &ev.Escrow.CreatedAt,
			&orderStatus, &ev.TotalAmount, &ev.OrderDate,
		); err != nil {
			return nil, err
		}
		ev.Escrow.Status = LedgerStatus(ledgerStatus)
		ev.Status = OrderStatus(orderStatus)
		ev.OrderID = ev.Escrow.OrderID
		result = append(result, ev)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListLedgerGaps(ctx context.Context, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM sales_orders so
		LEFT JOIN LATERAL (
			SELECT el.status FROM escrow_ledger el
			WHERE el.order_id = so.id
			ORDER BY el.created_at DESC, el.id DESC
			LIMIT 1
		) latest ON TRUE
		WHERE latest.status IS NULL
		   OR latest.status <> CASE so.status
				WHEN 'Completed' THEN 'RELEASED'
				WHEN 'Cancelled' THEN 'REFUNDED'
				ELSE 'LOCKED' END
		ORDER BY so.id
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return scanOrders(rows)
}

func (p *PostgresStore) Participants(ctx context.Context, orderID int64) (int64, int64, error) {
	var buyer, seller int64
	err := p.db.QueryRowContext(ctx, `
		SELECT so.customer_id, COALESCE(pr.supplier_id, so.supplier_id)
		FROM sales_orders so
		LEFT JOIN order_items oi ON oi.order_id = so.id
		LEFT JOIN products pr ON pr.id = oi.product_id
		WHERE so.id = $1
		ORDER BY oi.id
		LIMIT 1`, orderID,
	).Scan(&buyer, &seller)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, ErrOrderNotFound
	}
	return buyer, seller, err
}

func (p *PostgresStore) loadItems(ctx context.Context, orders []*Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]int64, len(orders))
	byID := make(map[int64]*Order, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		byID[o.ID] = o
		o.Items = []LineItem{}
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, order_id, product_id, product_name, quantity, unit_price
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY id`, pq.Array(ids))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var item LineItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.ProductName, &item.Quantity, &item.UnitPrice); err != nil {
			return err
		}
		if o := byID[item.OrderID]; o != nil {
			o.Items = append(o.Items, item)
		}
	}
	return rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		status string
		callID sql.NullString
	)
	err := s.Scan(
		&o.ID, &o.CustomerID, &o.SupplierID, &status, &o.TotalAmount,
		&o.SettlementFee, &o.ShippingAddress, &o.WalletAddress, &callID,
		&o.OrderDate, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = OrderStatus(status)
	o.SettlementCallID = callID.String
	return o, nil
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func scanLedger(s scanner) (*LedgerEntry, error) {
	e := &LedgerEntry{}
	var status string
	if err := s.Scan(&e.ID, &e.OrderID, &e.TxHash, &e.BlockNumber, &e.GasUsed, &e.Network, &status, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Status = LedgerStatus(status)
	return e, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// PostgresCatalog reads products and customer profiles.
type PostgresCatalog struct {
	db *sql.DB
}

// NewPostgresCatalog creates a catalog over the products and
// customer_profiles tables.
func NewPostgresCatalog(db *sql.DB) *PostgresCatalog {
	return &PostgresCatalog{db: db}
}

func (c *PostgresCatalog) GetProduct(ctx context.Context, id int64) (*Product, error) {
	p := &Product{}
	var status string
	err := c.db.QueryRowContext(ctx, `
		SELECT id, supplier_id, name, unit_price, status
		FROM products WHERE id = $1`, id,
	).Scan(&p.ID, &p.SupplierID, &p.Name, &p.UnitPrice, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Status = ProductStatus(status)
	return p, nil
}

func (c *PostgresCatalog) DefaultShippingAddress(ctx context.Context, customerID int64) (string, error) {
	var addr sql.NullString
	err := c.db.QueryRowContext(ctx, `
		SELECT default_shipping_address FROM customer_profiles WHERE customer_id = $1`, customerID,
	).Scan(&addr)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return addr.String, err
}

var (
	_ Store   = (*PostgresStore)(nil)
	_ Catalog = (*PostgresCatalog)(nil)
)
