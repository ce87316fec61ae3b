package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"labelpos/backend/internal/cart"
	"labelpos/backend/internal/domain"
	"labelpos/backend/internal/tender"
	"labelpos/backend/internal/xid"
)

// CommitSale checks out a stored cart. On success the cart is emptied and
// saved; on any failure it is left exactly as it was.
func (s *Service) CommitSale(ctx context.Context, cartID string, req domain.CommitSaleRequest) (domain.CommitSaleResponse, error) {
	state, unlock := s.lockCart(cartID)
	defer unlock()

	c, err := s.loadCart(ctx, cartID)
	if err != nil {
		s.forgetMissing(cartID, err)
		return domain.CommitSaleResponse{}, err
	}

	resp, err := s.Commit(ctx, c, req)
	if err != nil || resp.Duplicate {
		return resp, err
	}

	if err := s.carts.Save(ctx, c.Snapshot()); err != nil {
		s.logger.Warn("clear cart after commit failed", zap.String("cart_id", c.ID()), zap.String("sale_id", resp.Sale.ID), zap.Error(err))
	}
	resetFilter(state)
	return resp, nil
}

// Commit turns the cart into a persisted sale against an open session:
//
//  1. tenders are reconciled against the cart total (UnderPayment before any write)
//  2. a stock plan is built from every line, through the recipe resolver for templates
//  3. live stock is re-read and checked (InsufficientStock)
//  4. the store writes sale, tenders, decrements and session totals as one unit
//
// The cart is cleared only after the write succeeds. A repeated idempotency
// key returns the earlier sale with Duplicate set and leaves the cart alone.
func (s *Service) Commit(ctx context.Context, c *cart.Cart, req domain.CommitSaleRequest) (domain.CommitSaleResponse, error) {
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.SessionID == "" {
		return domain.CommitSaleResponse{}, domain.Invalid("sessionId", "is required")
	}

	if req.IdempotencyKey != "" {
		if existing, err := s.repo.FindSaleByIdempotency(ctx, req.IdempotencyKey); err == nil {
			return duplicateResponse(*existing), nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			return domain.CommitSaleResponse{}, err
		}
	}

	if c.IsEmpty() {
		return domain.CommitSaleResponse{}, domain.Invalid("lines", "cart is empty")
	}

	session, err := s.repo.GetSession(ctx, req.SessionID)
	if err != nil {
		return domain.CommitSaleResponse{}, err
	}
	if !session.IsOpen() {
		return domain.CommitSaleResponse{}, fmt.Errorf("session %s is %s: %w", session.ID, session.Status, domain.ErrConflict)
	}

	totals := c.Totals()
	settlement, err := tender.Reconcile(totals.TotalCents, req.Tenders)
	if err != nil {
		if errors.Is(err, domain.ErrUnderPayment) {
			s.logAudit(ctx, "sale_rejected", "cart", c.ID(), err.Error())
		}
		return domain.CommitSaleResponse{}, err
	}

	lines := c.Lines()
	plan, err := s.stockPlan(ctx, lines)
	if err != nil {
		return domain.CommitSaleResponse{}, err
	}
	if err := s.checkStock(ctx, plan); err != nil {
		s.logAudit(ctx, "sale_rejected", "cart", c.ID(), err.Error())
		return domain.CommitSaleResponse{}, err
	}

	now := s.now()
	sale := domain.Sale{
		ID:             xid.New("sale"),
		OrderNumber:    xid.OrderNumber(now),
		SessionID:      session.ID,
		RegisterID:     session.RegisterID,
		CashierID:      session.CashierID,
		IdempotencyKey: req.IdempotencyKey,
		Lines:          make([]domain.SaleLine, 0, len(lines)),
		SubtotalCents:  totals.SubtotalCents,
		DiscountCents:  totals.DiscountCents,
		TaxRate:        totals.TaxRate,
		TaxCents:       totals.TaxCents,
		TotalCents:     totals.TotalCents,
		PaymentMethod:  settlement.Method,
		TenderedCents:  settlement.TenderedCents,
		ChangeCents:    settlement.ChangeCents,
		Tenders:        settlement.Tenders,
		Customer:       normalizeCustomer(req.Customer),
		CreatedAt:      now,
	}
	for i, l := range lines {
		sale.Lines = append(sale.Lines, cart.SaleLine(i+1, l))
	}

	saved, err := s.repo.CommitSale(ctx, sale, plan)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) && req.IdempotencyKey != "" {
			// Lost a race with a resubmission of the same checkout.
			if existing, findErr := s.repo.FindSaleByIdempotency(ctx, req.IdempotencyKey); findErr == nil {
				return duplicateResponse(*existing), nil
			}
		}
		if errors.Is(err, domain.ErrInsufficientStock) {
			s.logAudit(ctx, "sale_rejected", "cart", c.ID(), err.Error())
		}
		return domain.CommitSaleResponse{}, err
	}

	c.Clear()

	s.logAudit(ctx, "sale_commit", "sale", saved.ID, fmt.Sprintf("order=%s,session=%s,total=%d,method=%s,change=%d", saved.OrderNumber, saved.SessionID, saved.TotalCents, saved.PaymentMethod, saved.ChangeCents))
	s.logger.Info("sale committed",
		zap.String("sale_id", saved.ID),
		zap.String("order_number", saved.OrderNumber),
		zap.String("session_id", saved.SessionID),
		zap.Int64("total_cents", saved.TotalCents),
	)
	if err := s.events.SaleCommitted(ctx, domain.SaleCommittedEvent{
		SaleID:      saved.ID,
		OrderNumber: saved.OrderNumber,
		StoreID:     s.storeID,
		SessionID:   saved.SessionID,
		RegisterID:  saved.RegisterID,
		TotalCents:  saved.TotalCents,
		Method:      saved.PaymentMethod,
		Lines:       len(saved.Lines),
		CommittedAt: saved.CreatedAt,
	}); err != nil {
		s.logger.Warn("publish sale committed failed", zap.String("sale_id", saved.ID), zap.Error(err))
	}

	return domain.CommitSaleResponse{Sale: *saved, ChangeCents: saved.ChangeCents}, nil
}

// stockPlan lists every stock unit the lines consume: the variant itself for
// product lines, recipe consumables times quantity for template lines.
func (s *Service) stockPlan(ctx context.Context, lines []cart.Line) ([]domain.StockDecrement, error) {
	plan := make([]domain.StockDecrement, 0, len(lines))
	for _, l := range lines {
		decrements, err := cart.Match(l,
			func(p cart.ProductLine) planResult {
				return planResult{decrements: []domain.StockDecrement{{Kind: domain.MovementVariant, ItemID: p.VariantID, Quantity: p.Quantity}}}
			},
			func(t cart.TemplateLine) planResult {
				recipe, err := s.recipes.ConsumablesFor(ctx, t.TemplateID)
				if err != nil {
					return planResult{err: err}
				}
				out := make([]domain.StockDecrement, 0, len(recipe))
				for _, component := range recipe {
					if component.QuantityPerUnit < 1 {
						continue
					}
					out = append(out, domain.StockDecrement{
						Kind:     domain.MovementConsumable,
						ItemID:   component.ConsumableID,
						Quantity: component.QuantityPerUnit * t.Quantity,
					})
				}
				return planResult{decrements: out}
			},
		).unpack()
		if err != nil {
			return nil, err
		}
		plan = append(plan, decrements...)
	}
	return plan, nil
}

type planResult struct {
	decrements []domain.StockDecrement
	err        error
}

func (r planResult) unpack() ([]domain.StockDecrement, error) {
	return r.decrements, r.err
}

// checkStock re-reads live stock for the plan. The store repeats the check
// inside its atomic write; this pass gives the operator every shortage at once
// without opening a transaction.
func (s *Service) checkStock(ctx context.Context, plan []domain.StockDecrement) error {
	needed := map[string]map[string]int{}
	for _, d := range plan {
		if needed[d.Kind] == nil {
			needed[d.Kind] = map[string]int{}
		}
		needed[d.Kind][d.ItemID] += d.Quantity
	}

	var shortages []domain.StockShortage
	for _, kind := range []string{domain.MovementVariant, domain.MovementConsumable} {
		items := needed[kind]
		if len(items) == 0 {
			continue
		}
		ids := make([]string, 0, len(items))
		for id := range items {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		levels, err := s.repo.GetStockLevels(ctx, kind, ids)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if levels[id] < items[id] {
				shortages = append(shortages, domain.StockShortage{Kind: kind, ItemID: id, Requested: items[id], Available: levels[id]})
			}
		}
	}
	if len(shortages) > 0 {
		return &domain.InsufficientStockError{Shortages: shortages}
	}
	return nil
}

func duplicateResponse(sale domain.Sale) domain.CommitSaleResponse {
	return domain.CommitSaleResponse{Sale: sale, ChangeCents: sale.ChangeCents, Duplicate: true}
}

func normalizeCustomer(info *domain.CustomerInfo) *domain.CustomerInfo {
	if info == nil {
		return nil
	}
	out := domain.CustomerInfo{
		Reference: strings.TrimSpace(info.Reference),
		Name:      strings.TrimSpace(info.Name),
		Email:     strings.ToLower(strings.TrimSpace(info.Email)),
		Phone:     strings.TrimSpace(info.Phone),
	}
	if out == (domain.CustomerInfo{}) {
		return nil
	}
	return &out
}
