package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/metrics"
	"github.com/mbd888/settlement/internal/settlement"
	"github.com/mbd888/settlement/internal/traces"
	"github.com/mbd888/settlement/internal/validation"
)

const (
	MaxQuantity      = 50
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Settler runs the inline settlement attempt for an order.
type Settler interface {
	Submit(ctx context.Context, call settlement.CallRequest) (*settlement.Result, error)
}

// JobLinker reads and links settlement jobs.
type JobLinker interface {
	LinkOrder(ctx context.Context, callID string, orderID int64) error
	Get(ctx context.Context, callID string) (*settlement.Job, error)
}

// Config holds fee and ledger labelling settings.
type Config struct {
	FeePercent float64
	FeeMin     int64
	Network    string
}

// CreateOrderRequest is a buyer's escrow purchase. Quantity must be 1 to
// MaxQuantity.
type CreateOrderRequest struct {
	CustomerID      int64  `json:"customerId"`
	ProductID       int64  `json:"productId"`
	Quantity        int    `json:"quantity"`
	WalletAddress   string `json:"walletAddress" binding:"required"`
	ShippingAddress string `json:"shippingAddress"`
}

// CreateResult is returned by CreateEscrowOrder. SettlementStatus is
// SUCCESS or QUEUED.
type CreateResult struct {
	OrderID          int64        `json:"orderId"`
	Status           OrderStatus  `json:"status"`
	TotalAmount      int64        `json:"totalAmount"`
	SettlementFee    int64        `json:"settlementFee"`
	SettlementCallID string       `json:"settlementCallId"`
	SettlementStatus string       `json:"settlementStatus"`
	Escrow           *LedgerEntry `json:"escrow,omitempty"`
}

// SettlementSummary is the settlement job state shown with an order.
type SettlementSummary struct {
	CallID    string     `json:"callId"`
	Status    string     `json:"status"`
	Retries   int        `json:"retries"`
	LastError string     `json:"lastError,omitempty"`
	NextRunAt *time.Time `json:"nextRunAt,omitempty"`
}

// OrderDetail is an order with its current escrow state.
type OrderDetail struct {
	*Order
	Escrow     *LedgerEntry       `json:"escrow"`
	Settlement *SettlementSummary `json:"settlement,omitempty"`
}

// Service implements escrow order business logic.
type Service struct {
	store   Store
	catalog Catalog
	settler Settler
	jobs    JobLinker
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, catalog Catalog, settler Settler, jobs JobLinker, cfg Config, logger *slog.Logger) *Service {
	if cfg.Network == "" {
		cfg.Network = DefaultNetwork
	}
	return &Service{
		store:   store,
		catalog: catalog,
		settler: settler,
		jobs:    jobs,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Store returns the underlying order store.
func (s *Service) Store() Store { return s.store }

// CreateEscrowOrder validates the purchase, makes exactly one inline
// settlement attempt and persists the order.
//
// A transient settlement failure leaves the job QUEUED and the order is
// still created. Any other settlement error is returned and no order is
// written.
func (s *Service) CreateEscrowOrder(ctx context.Context, req CreateOrderRequest) (*CreateResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.create_order")
	defer span.End()

	wallet := validation.SanitizeAddress(req.WalletAddress)
	if errs := validation.Validate(
		validation.PositiveID("customerId", req.CustomerID),
		validation.PositiveID("productId", req.ProductID),
		validation.IntRange("quantity", req.Quantity, 1, MaxQuantity),
		validation.Required("walletAddress", wallet),
		validation.ValidAddress("walletAddress", wallet),
	); len(errs) > 0 {
		return nil, &ValidationError{Field: errs[0].Field, Message: errs[0].Message}
	}

	shipping, err := s.shippingAddress(ctx, req)
	if err != nil {
		return nil, err
	}

	product, err := s.catalog.GetProduct(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}
	if !product.Sellable() {
		return nil, &ValidationError{Field: "productId", Message: "product is not available for sale"}
	}
	if product.SupplierID == req.CustomerID {
		return nil, &ValidationError{Field: "productId", Message: "cannot buy your own product"}
	}
	if product.UnitPrice < 0 || (product.UnitPrice > 0 && int64(req.Quantity) > math.MaxInt64/product.UnitPrice) {
		return nil, &ValidationError{Field: "quantity", Message: "order total out of range"}
	}

	total := product.UnitPrice * int64(req.Quantity)
	fee := SettlementFee(total, s.cfg.FeePercent, s.cfg.FeeMin)

	res, err := s.settler.Submit(ctx, settlement.CallRequest{
		Method: "burn",
		Args:   []any{fee},
		Caller: wallet,
	})
	if err != nil {
		traces.Fail(span, err)
		metrics.EscrowOrdersTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("settlement fee: %w", err)
	}
	job := res.Job

	now := s.now()
	order := &Order{
		CustomerID:       req.CustomerID,
		SupplierID:       product.SupplierID,
		Status:           OrderPending,
		TotalAmount:      total,
		SettlementFee:    fee,
		ShippingAddress:  shipping,
		WalletAddress:    wallet,
		SettlementCallID: job.ID,
		Items: []LineItem{{
			ProductID:   product.ID,
			ProductName: product.Name,
			Quantity:    req.Quantity,
			UnitPrice:   product.UnitPrice,
		}},
		OrderDate: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateOrder(ctx, order); err != nil {
		// The fee call already ran; the job row keeps the reference.
		s.logger.Error("failed to persist order after settlement",
			logging.Job(job.ID, job.Method), "status", job.Status, "error", err)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	span.SetAttributes(traces.OrderID(order.ID), traces.CallID(job.ID))

	if err := s.jobs.LinkOrder(ctx, job.ID, order.ID); err != nil {
		s.logger.Warn("failed to link settlement job to order",
			logging.Order(order.ID), logging.Job(job.ID, job.Method), "error", err)
	}

	entry := PseudoSnapshot(order.ID, OrderPending, s.cfg.Network, now)
	if res.Receipt != nil && res.Receipt.TxHash != "" {
		entry.TxHash = res.Receipt.TxHash
		entry.BlockNumber = res.Receipt.BlockNumber
		entry.GasUsed = res.Receipt.GasUsed
	}
	entry.CreatedAt = now
	if err := s.store.AppendLedger(ctx, &entry); err != nil {
		s.logger.Warn("failed to append ledger entry, reconciliation will repair it",
			logging.Order(order.ID), "error", err)
	}

	metrics.EscrowOrdersTotal.WithLabelValues(string(job.Status)).Inc()
	s.logger.Info("escrow order created",
		logging.Order(order.ID), logging.Job(job.ID, job.Method),
		"totalAmount", total, "settlementFee", fee, "settlementStatus", job.Status)

	return &CreateResult{
		OrderID:          order.ID,
		Status:           order.Status,
		TotalAmount:      total,
		SettlementFee:    fee,
		SettlementCallID: job.ID,
		SettlementStatus: string(job.Status),
		Escrow:           &entry,
	}, nil
}

func (s *Service) shippingAddress(ctx context.Context, req CreateOrderRequest) (string, error) {
	addr := validation.SanitizeString(req.ShippingAddress, validation.MaxAddressLineLength)
	if addr == "" {
		def, err := s.catalog.DefaultShippingAddress(ctx, req.CustomerID)
		if err != nil {
			return "", fmt.Errorf("load default shipping address: %w", err)
		}
		addr = validation.SanitizeString(def, validation.MaxAddressLineLength)
	}
	if addr == "" {
		return "", &ValidationError{Field: "shippingAddress", Message: "no shipping address provided and no default on profile"}
	}
	return addr, nil
}

// TransitionResult is the updated order and the ledger entry appended for it.
type TransitionResult struct {
	Order  *Order       `json:"order"`
	Escrow *LedgerEntry `json:"escrow"`
}

// MarkOrderCompleted moves a Pending order to Completed and records RELEASED.
func (s *Service) MarkOrderCompleted(ctx context.Context, orderID int64) (*TransitionResult, error) {
	return s.transition(ctx, orderID, OrderCompleted)
}

// MarkOrderCancelled moves a Pending order to Cancelled and records REFUNDED.
func (s *Service) MarkOrderCancelled(ctx context.Context, orderID int64) (*TransitionResult, error) {
	return s.transition(ctx, orderID, OrderCancelled)
}

func (s *Service) transition(ctx context.Context, orderID int64, to OrderStatus) (*TransitionResult, error) {
	order, err := s.store.TransitionStatus(ctx, orderID, OrderPending, to)
	if err != nil {
		return nil, err
	}

	now := s.now()
	entry := PseudoSnapshot(order.ID, to, s.cfg.Network, now)
	entry.CreatedAt = now
	if err := s.store.AppendLedger(ctx, &entry); err != nil {
		s.logger.Warn("failed to append ledger entry, reconciliation will repair it",
			logging.Order(order.ID), "status", to, "error", err)
	}

	metrics.EscrowOrdersTotal.WithLabelValues(strings.ToLower(string(to))).Inc()
	s.logger.Info("escrow order updated", logging.Order(order.ID), "status", to)
	return &TransitionResult{Order: order, Escrow: &entry}, nil
}

// GetOrder returns an order with its latest ledger entry and settlement job.
func (s *Service) GetOrder(ctx context.Context, orderID int64) (*OrderDetail, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	latest, err := s.store.LatestLedger(ctx, orderID)
	if err != nil {
		return nil, err
	}
	detail := &OrderDetail{Order: order, Escrow: s.escrowOrSnapshot(order, latest)}

	if order.SettlementCallID != "" {
		job, err := s.jobs.Get(ctx, order.SettlementCallID)
		switch {
		case err == nil:
			detail.Settlement = &SettlementSummary{
				CallID:    job.ID,
				Status:    string(job.Status),
				Retries:   job.Retries,
				LastError: job.LastError,
				NextRunAt: job.NextRunAt,
			}
		case !errors.Is(err, settlement.ErrJobNotFound):
			s.logger.Warn("failed to load settlement job", logging.Order(orderID), "callId", order.SettlementCallID, "error", err)
		}
	}
	return detail, nil
}

// ListOrdersForCustomer returns a customer's orders newest first, each with
// its latest ledger entry or the pseudo snapshot when it has none.
func (s *Service) ListOrdersForCustomer(ctx context.Context, customerID int64, limit int) ([]*OrderDetail, error) {
	orders, err := s.store.ListByCustomer(ctx, customerID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}
	latest, err := s.store.LatestLedgers(ctx, ids)
	if err != nil {
		return nil, err
	}

	result := make([]*OrderDetail, len(orders))
	for i, o := range orders {
		result[i] = &OrderDetail{Order: o, Escrow: s.escrowOrSnapshot(o, latest[o.ID])}
	}
	return result, nil
}

// ListEscrowEventsForCustomer returns every ledger entry for the customer's
// orders, newest first.
func (s *Service) ListEscrowEventsForCustomer(ctx context.Context, customerID int64, limit int) ([]*EscrowEvent, error) {
	return s.store.ListEvents(ctx, customerID, clampLimit(limit))
}

// Participants returns the buyer and seller of an order.
func (s *Service) Participants(ctx context.Context, orderID int64) (int64, int64, error) {
	return s.store.Participants(ctx, orderID)
}

// RepairLedger appends a pseudo snapshot entry for every order whose ledger
// lags its status. It returns the number of entries written.
func (s *Service) RepairLedger(ctx context.Context, limit int) (int, error) {
	gaps, err := s.store.ListLedgerGaps(ctx, limit)
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, o := range gaps {
		now := s.now()
		entry := PseudoSnapshot(o.ID, o.Status, s.cfg.Network, now)
		entry.CreatedAt = now
		if err := s.store.AppendLedger(ctx, &entry); err != nil {
			s.logger.Warn("ledger repair failed", logging.Order(o.ID), "error", err)
			continue
		}
		repaired++
	}
	return repaired, nil
}

func (s *Service) escrowOrSnapshot(o *Order, latest *LedgerEntry) *LedgerEntry {
	if latest != nil {
		return latest
	}
	snap := PseudoSnapshot(o.ID, o.Status, s.cfg.Network, s.now())
	return &snap
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
