// Package escrow owns marketplace escrow orders.
//
// Flow:
//  1. Buyer places an order → the settlement fee is burned from the buyer's
//     wallet in one inline contract call (queued for retry on transient failure)
//  2. Order is stored Pending with a LOCKED ledger entry
//  3. Order completes → RELEASED entry; order is cancelled → REFUNDED entry
//
// Ledger entries are append-only. The latest entry is the order's escrow state.
package escrow

import (
	"context"
	"errors"
	"time"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrProductNotFound   = errors.New("product not found")
	ErrInvalidTransition = errors.New("invalid order status transition")
)

// ValidationError is a rejected order input or business rule.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// OrderStatus is the order lifecycle state.
type OrderStatus string

const (
	OrderPending   OrderStatus = "Pending"
	OrderCompleted OrderStatus = "Completed"
	OrderCancelled OrderStatus = "Cancelled"

	// Intermediate states used by the wider marketplace. They still map to
	// LOCKED in the ledger.
	OrderSellerConfirmed OrderStatus = "SellerConfirmed"
	OrderBuyerConfirmed  OrderStatus = "BuyerConfirmed"
)

// LedgerStatus is the canonical escrow state recorded in the ledger.
type LedgerStatus string

const (
	LedgerLocked   LedgerStatus = "LOCKED"
	LedgerReleased LedgerStatus = "RELEASED"
	LedgerRefunded LedgerStatus = "REFUNDED"
)

// CanonicalLedgerStatus maps an order status to its ledger status.
func CanonicalLedgerStatus(s OrderStatus) LedgerStatus {
	switch s {
	case OrderCompleted:
		return LedgerReleased
	case OrderCancelled:
		return LedgerRefunded
	}
	return LedgerLocked
}

// ProductStatus is a catalog listing state.
type ProductStatus string

const (
	ProductDraft   ProductStatus = "Draft"
	ProductPending ProductStatus = "Pending"
	ProductActive  ProductStatus = "Active"
	ProductSold    ProductStatus = "Sold"
)

// Product is the catalog view escrow needs.
type Product struct {
	ID         int64         `json:"productId"`
	SupplierID int64         `json:"supplierId"`
	Name       string        `json:"name"`
	UnitPrice  int64         `json:"unitPrice"`
	Status     ProductStatus `json:"status"`
}

// Sellable reports whether the product can be ordered.
func (p *Product) Sellable() bool { return p.Status == ProductActive }

// Catalog is the read-only product and profile collaborator.
type Catalog interface {
	GetProduct(ctx context.Context, id int64) (*Product, error)
	// DefaultShippingAddress returns "" when the customer has none.
	DefaultShippingAddress(ctx context.Context, customerID int64) (string, error)
}

// LineItem is one product line of an order.
type LineItem struct {
	ID          int64  `json:"orderDetailId"`
	OrderID     int64  `json:"orderId"`
	ProductID   int64  `json:"productId"`
	ProductName string `json:"productName"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unitPrice"`
}

// Order is an escrow order.
type Order struct {
	ID               int64       `json:"orderId"`
	CustomerID       int64       `json:"customerId"`
	SupplierID       int64       `json:"supplierId"`
	Status           OrderStatus `json:"status"`
	TotalAmount      int64       `json:"totalAmount"`
	SettlementFee    int64       `json:"settlementFee"`
	ShippingAddress  string      `json:"shippingAddress"`
	WalletAddress    string      `json:"walletAddress"`
	SettlementCallID string      `json:"settlementCallId,omitempty"`
	Items            []LineItem  `json:"items"`
	OrderDate        time.Time   `json:"orderDate"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// LedgerEntry is one append-only escrow ledger row.
type LedgerEntry struct {
	ID          int64        `json:"id,omitempty"`
	OrderID     int64        `json:"orderId"`
	TxHash      string       `json:"txHash"`
	BlockNumber int64        `json:"blockNumber"`
	GasUsed     int64        `json:"gasUsed"`
	Network     string       `json:"network"`
	Status      LedgerStatus `json:"status"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// EscrowEvent is a ledger entry joined with its order.
type EscrowEvent struct {
	OrderID     int64       `json:"orderId"`
	Status      OrderStatus `json:"status"`
	TotalAmount int64       `json:"totalAmount"`
	OrderDate   time.Time   `json:"orderDate"`
	Escrow      LedgerEntry `json:"escrow"`
}

// Store persists orders and the escrow ledger.
type Store interface {
	// CreateOrder inserts the order and its items and assigns IDs.
	CreateOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, id int64) (*Order, error)
	// TransitionStatus moves an order from one status to another in a
	// single conditional write. It returns ErrOrderNotFound or
	// ErrInvalidTransition when nothing matched.
	TransitionStatus(ctx context.Context, id int64, from, to OrderStatus) (*Order, error)
	ListByCustomer(ctx context.Context, customerID int64, limit int) ([]*Order, error)

	AppendLedger(ctx context.Context, entry *LedgerEntry) error
	// LatestLedger returns nil, nil when the order has no entries.
	LatestLedger(ctx context.Context, orderID int64) (*LedgerEntry, error)
	LatestLedgers(ctx context.Context, orderIDs []int64) (map[int64]*LedgerEntry, error)
	ListEvents(ctx context.Context, customerID int64, limit int) ([]*EscrowEvent, error)
	// ListLedgerGaps returns orders whose latest ledger entry is missing or
	// disagrees with the order's canonical ledger status.
	ListLedgerGaps(ctx context.Context, limit int) ([]*Order, error)

	Participants(ctx context.Context, orderID int64) (buyerID, sellerID int64, err error)
}
