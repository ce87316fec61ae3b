package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"

	"labelpos/backend/internal/cart"
	"labelpos/backend/internal/domain"
	"labelpos/backend/internal/store/memory"
)

type recordingPublisher struct {
	mu     sync.Mutex
	sales  []domain.SaleCommittedEvent
	closes []domain.SessionClosedEvent
}

func (p *recordingPublisher) SaleCommitted(_ context.Context, e domain.SaleCommittedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sales = append(p.sales, e)
	return nil
}

func (p *recordingPublisher) SessionClosed(_ context.Context, e domain.SessionClosedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes = append(p.closes, e)
	return nil
}

type failingPublisher struct{}

func (failingPublisher) SaleCommitted(context.Context, domain.SaleCommittedEvent) error {
	return errors.New("broker down")
}

func (failingPublisher) SessionClosed(context.Context, domain.SessionClosedEvent) error {
	return errors.New("broker down")
}

// newTestService builds a store holding variant X (stock 2, price 20000) and a
// custom tee template whose recipe uses one blank and 15ml of ink.
func newTestService(t *testing.T) (*Service, *memory.Store, *recordingPublisher) {
	t.Helper()
	repo := memory.New()
	repo.PutRegister(domain.CashRegister{ID: "reg-01", Name: "Front", Active: true})
	repo.PutRegister(domain.CashRegister{ID: "reg-02", Name: "Back", Active: true})
	repo.PutRegister(domain.CashRegister{ID: "reg-off", Name: "Retired", Active: false})
	repo.PutVariant(domain.Variant{ID: "var-x", SKU: "VAR-X", Barcode: "7700000000011", Name: "Variant X", PriceCents: 20000, Active: true}, 2)
	repo.PutConsumable(domain.Consumable{ID: "con-blank", Name: "Blank tee", Unit: "pcs"}, 3)
	repo.PutConsumable(domain.Consumable{ID: "con-ink", Name: "Ink", Unit: "ml"}, 100)
	repo.PutTemplate(domain.Template{
		ID: "tpl-tee", Code: "TPL-TEE", Name: "Custom Tee", BasePriceCents: 15000, Active: true,
		Categories: []domain.ZoneCategory{
			{ID: "front", Name: "Front", Required: true, Zones: []domain.Zone{
				{ID: "front-chest", Name: "Chest", PriceCents: 3000},
				{ID: "front-full", Name: "Full", PriceCents: 7000},
			}},
			{ID: "back", Name: "Back", Zones: []domain.Zone{
				{ID: "back-full", Name: "Full", PriceCents: 4000},
			}},
		},
	}, []domain.RecipeComponent{
		{ConsumableID: "con-blank", QuantityPerUnit: 1},
		{ConsumableID: "con-ink", QuantityPerUnit: 15},
	})

	events := &recordingPublisher{}
	svc := New(repo, Options{
		StoreID: "main-store",
		TaxRate: decimal.RequireFromString("0.19"),
		Events:  events,
		Logger:  zaptest.NewLogger(t),
	})
	return svc, repo, events
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: domain.RoleCashier})
}

func openTestSession(t *testing.T, svc *Service, registerID string, float int64) domain.CashSession {
	t.Helper()
	resp, err := svc.OpenSession(cashierCtx(), domain.OpenSessionRequest{RegisterID: registerID, OpeningFloatCents: float})
	if err != nil {
		t.Fatalf("open session failed: %v", err)
	}
	return resp.Session
}

func cashTender(amount int64) []domain.Tender {
	return []domain.Tender{{Method: "cash", AmountCents: amount}}
}

func TestEndToEndSaleThenInsufficientStock(t *testing.T) {
	svc, repo, events := newTestService(t)
	ctx := cashierCtx()

	session := openTestSession(t, svc, "reg-01", 50000)
	if session.CashierID != "cashier" {
		t.Fatalf("expected cashier from actor, got %q", session.CashierID)
	}

	c, err := svc.CreateCart(ctx)
	if err != nil {
		t.Fatalf("create cart: %v", err)
	}
	added, err := svc.AddProduct(ctx, c.ID, domain.AddProductRequest{VariantID: "var-x", Quantity: 2})
	if err != nil {
		t.Fatalf("add product: %v", err)
	}
	if added.Cart.Totals.SubtotalCents != 40000 {
		t.Fatalf("expected subtotal 40000, got %d", added.Cart.Totals.SubtotalCents)
	}
	snapshot, err := svc.SetDiscount(ctx, c.ID, 5000)
	if err != nil {
		t.Fatalf("set discount: %v", err)
	}
	if snapshot.Totals.TaxCents != 6650 || snapshot.Totals.TotalCents != 41650 {
		t.Fatalf("expected tax 6650 total 41650, got %+v", snapshot.Totals)
	}

	resp, err := svc.CommitSale(ctx, c.ID, domain.CommitSaleRequest{SessionID: session.ID, Tenders: cashTender(50000)})
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if resp.Sale.TotalCents != 41650 || resp.ChangeCents != 8350 || resp.Sale.PaymentMethod != domain.TenderCash {
		t.Fatalf("unexpected sale %+v change=%d", resp.Sale, resp.ChangeCents)
	}
	if resp.Sale.OrderNumber == "" || len(resp.Sale.Lines) != 1 || resp.Sale.Lines[0].LineTotalCents != 40000 {
		t.Fatalf("unexpected sale lines %+v", resp.Sale)
	}

	after, err := svc.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if after.Session.SalesCount != 1 || after.Session.SalesTotalCents != 41650 || after.ExpectedCents != 91650 {
		t.Fatalf("unexpected session totals %+v", after)
	}
	levels, _ := repo.GetStockLevels(ctx, domain.MovementVariant, []string{"var-x"})
	if levels["var-x"] != 0 {
		t.Fatalf("expected variant stock 0, got %d", levels["var-x"])
	}
	emptied, _ := svc.GetCart(ctx, c.ID)
	if len(emptied.Lines) != 0 || emptied.Totals.TotalCents != 0 {
		t.Fatalf("cart not cleared after commit: %+v", emptied)
	}
	if len(events.sales) != 1 || events.sales[0].TotalCents != 41650 {
		t.Fatalf("expected one sale event, got %+v", events.sales)
	}

	// Second attempt: the cart snapshot says 2 in stock, the ledger says 0.
	stale := cart.New("stale", svc.TaxRate())
	if _, err := stale.AddProductLine(domain.Variant{ID: "var-x", SKU: "VAR-X", Name: "Variant X", PriceCents: 20000, Active: true}, 2, 1); err != nil {
		t.Fatalf("stale add: %v", err)
	}
	_, err = svc.Commit(ctx, stale, domain.CommitSaleRequest{SessionID: session.ID, Tenders: cashTender(50000)})
	var stockErr *domain.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if stockErr.Shortages[0].ItemID != "var-x" || stockErr.Shortages[0].Available != 0 {
		t.Fatalf("unexpected shortage %+v", stockErr.Shortages)
	}
	if stale.IsEmpty() {
		t.Fatalf("failed commit must leave the cart intact")
	}
	unchanged, _ := svc.GetSession(ctx, session.ID)
	if unchanged.Session.SalesCount != 1 || unchanged.Session.SalesTotalCents != 41650 {
		t.Fatalf("session totals changed after failed commit: %+v", unchanged.Session)
	}
}

func TestOpenSessionRules(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := cashierCtx()

	openTestSession(t, svc, "reg-01", 10000)
	if _, err := svc.OpenSession(ctx, domain.OpenSessionRequest{RegisterID: "reg-01"}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict on occupied register, got %v", err)
	}
	if _, err := svc.OpenSession(ctx, domain.OpenSessionRequest{RegisterID: "reg-off"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation for inactive register, got %v", err)
	}
	if _, err := svc.OpenSession(ctx, domain.OpenSessionRequest{RegisterID: "reg-nope"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.OpenSession(ctx, domain.OpenSessionRequest{RegisterID: "reg-02", OpeningFloatCents: -1}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation for negative float, got %v", err)
	}
	if _, err := svc.OpenSession(context.Background(), domain.OpenSessionRequest{RegisterID: "reg-02"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation without a cashier, got %v", err)
	}
}

func TestConcurrentOpensYieldOneSession(t *testing.T) {
	svc, _, _ := newTestService(t)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.OpenSession(cashierCtx(), domain.OpenSessionRequest{RegisterID: "reg-01", OpeningFloatCents: 1000})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, conflict int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrConflict):
			conflict++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflict != 1 {
		t.Fatalf("expected one success and one conflict, got %d/%d", ok, conflict)
	}
}

func TestCloseSessionComputesVarianceAndPublishes(t *testing.T) {
	svc, _, events := newTestService(t)
	ctx := cashierCtx()
	session := openTestSession(t, svc, "reg-01", 50000)

	c, _ := svc.CreateCart(ctx)
	if _, err := svc.AddProduct(ctx, c.ID, domain.AddProductRequest{Code: "var-x", Quantity: 1}); err != nil {
		t.Fatalf("add product: %v", err)
	}
	sale, err := svc.CommitSale(ctx, c.ID, domain.CommitSaleRequest{SessionID: session.ID, Tenders: cashTender(30000)})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := svc.CloseSession(ctx, session.ID, domain.CloseSessionRequest{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation without counted float, got %v", err)
	}

	counted := int64(70000)
	closed, err := svc.CloseSession(ctx, session.ID, domain.CloseSessionRequest{CountedFloatCents: &counted, Notes: " short "})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	expected := 50000 + sale.Sale.TotalCents
	if closed.ExpectedCents != expected || *closed.Session.VarianceCents != counted-expected {
		t.Fatalf("unexpected close result %+v", closed)
	}
	if closed.Session.Notes != "short" {
		t.Fatalf("notes not trimmed: %q", closed.Session.Notes)
	}
	if len(events.closes) != 1 || events.closes[0].VarianceCents != counted-expected {
		t.Fatalf("expected one close event, got %+v", events.closes)
	}

	if _, err := svc.CloseSession(ctx, session.ID, domain.CloseSessionRequest{CountedFloatCents: &counted}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict closing twice, got %v", err)
	}

	c2, _ := svc.CreateCart(ctx)
	if _, err := svc.AddProduct(ctx, c2.ID, domain.AddProductRequest{VariantID: "var-x"}); err != nil {
		t.Fatalf("add product: %v", err)
	}
	if _, err := svc.CommitSale(ctx, c2.ID, domain.CommitSaleRequest{SessionID: session.ID, Tenders: cashTender(30000)}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict committing to a closed session, got %v", err)
	}

	reopened := openTestSession(t, svc, "reg-01", 0)
	if reopened.ID == session.ID {
		t.Fatalf("reopen must create a new session")
	}
}

func TestUnderPaymentIsRejectedBeforeAnyWrite(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := cashierCtx()
	session := openTestSession(t, svc, "reg-01", 0)

	c, _ := svc.CreateCart(ctx)
	if _, err := svc.AddProduct(ctx, c.ID, domain.AddProductRequest{VariantID: "var-x", Quantity: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	_, err := svc.CommitSale(ctx, c.ID, domain.CommitSaleRequest{SessionID: session.ID, Tenders: []domain.Tender{
		{Method: "CASH", AmountCents: 10000},
		{Method: "CARD", AmountCents: 10000},
	}})
	var under *domain.UnderPaymentError
	if !errors.As(err, &under) || under.ShortfallCents() != 3800 {
		t.Fatalf("expected underpayment of 3800, got %v", err)
	}

	levels, _ := repo.GetStockLevels(ctx, domain.MovementVariant, []string{"var-x"})
	if levels["var-x"] != 2 {
		t.Fatalf("stock changed on underpayment: %d", levels["var-x"])
	}
	kept, _ := svc.GetCart(ctx, c.ID)
	if len(kept.Lines) != 1 {
		t.Fatalf("cart changed on underpayment: %+v", kept)
	}
	sales, _ := svc.ListSessionSales(ctx, session.ID, 10)
	if len(sales) != 0 {
		t.Fatalf("expected no sales, got %d", len(sales))
	}
}

func TestMixedTenderCommit(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := cashierCtx()
	session := openTestSession(t, svc, "reg-01", 0)

	c, _ := svc.CreateCart(ctx)
	if _, err := svc.AddProduct(ctx, c.ID, domain.AddProductRequest{VariantID: "var-x", Quantity: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	resp, err := svc.CommitSale(ctx, c.ID, domain.CommitSaleRequest{SessionID: session.ID, Tenders: []domain.Tender{
		{Method: "card", AmountCents: 20000, Reference: "AUTH-1"},
		{Method: "cash", AmountCents: 5000},
	}})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	// 20000 * 1.19 = 23800; 25000 tendered.
	if resp.Sale.PaymentMethod != domain.TenderMixed || resp.ChangeCents != 1200 || len(resp.Sale.Tenders) != 2 {
		t.Fatalf("unexpected mixed settlement %+v", resp.Sale)
	}
	if resp.Sale.Tenders[0].Method != domain.TenderCash {
		t.Fatalf("cash component should come first, got %+v", resp.Sale.Tenders)
	}
}

func TestTemplateSaleConsumesRecipeStock(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := cashierCtx()
	session := openTestSession(t, svc, "reg-01", 0)

	c, _ := svc.CreateCart(ctx)
	if _, err := svc.AddTemplate(ctx, c.ID, domain.AddTemplateRequest{Code: "tpl-tee", ZoneIDs: []string{"front-chest"}}); err != nil {
		t.Fatalf("add template: %v", err)
	}
	if _, err := svc.AddTemplate(ctx, c.ID, domain.AddTemplateRequest{TemplateID: "tpl-tee", ZoneIDs: []string{"back-full"}}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation for missing required zone, got %v", err)
	}
	added, err := svc.AddTemplate(ctx, c.ID, domain.AddTemplateRequest{TemplateID: "tpl-tee", ZoneIDs: []string{"front-full", "back-full"}, Quantity: 2})
	if err != nil {
		t.Fatalf("add template: %v", err)
	}
	if len(added.Cart.Lines) != 2 || added.Cart.Totals.SubtotalCents != 18000+2*26000 {
		t.Fatalf("unexpected template cart %+v", added.Cart)
	}

	total := added.Cart.Totals.TotalCents
	resp, err := svc.CommitSale(ctx, c.ID, domain.CommitSaleRequest{SessionID: session.ID, Tenders: []domain.Tender{{Method: "TRANSFER"}}})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if resp.Sale.TenderedCents != total || resp.ChangeCents != 0 {
		t.Fatalf("transfer should settle the total exactly: %+v", resp.Sale)
	}
	if len(resp.Sale.Lines[1].Zones) != 2 {
		t.Fatalf("zones not snapshotted: %+v", resp.Sale.Lines[1])
	}

	blanks, _ := repo.GetStockLevels(ctx, domain.MovementConsumable, []string{"con-blank", "con-ink"})
	if blanks["con-blank"] != 0 || blanks["con-ink"] != 55 {
		t.Fatalf("unexpected consumable stock %v", blanks)
	}
	movements, err := svc.ListStockMovements(ctx, resp.Sale.ID)
	if err != nil || len(movements) != 2 {
		t.Fatalf("expected two movements, got %+v err=%v", movements, err)
	}

	// The blanks are used up, so another tee cannot be built.
	c2, _ := svc.CreateCart(ctx)
	if _, err := svc.AddTemplate(ctx, c2.ID, domain.AddTemplateRequest{TemplateID: "tpl-tee", ZoneIDs: []string{"front-chest"}}); err != nil {
		t.Fatalf("add template: %v", err)
	}
	_, err = svc.CommitSale(ctx, c2.ID, domain.CommitSaleRequest{SessionID: session.ID, Tenders: cashTender(100000)})
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected insufficient consumable stock, got %v", err)
	}
}

func TestConcurrentCommitsNeverOversell(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := cashierCtx()
	a := openTestSession(t, svc, "reg-01", 0)
	b := openTestSession(t, svc, "reg-02", 0)

	const buyers = 6
	carts := make([]string, buyers)
	for i := range carts {
		c, _ := svc.CreateCart(ctx)
		if _, err := svc.AddProduct(ctx, c.ID, domain.AddProductRequest{VariantID: "var-x", Quantity: 1}); err != nil {
			t.Fatalf("add: %v", err)
		}
		carts[i] = c.ID
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	sold := 0
	for i, cartID := range carts {
		sessionID := a.ID
		if i%2 == 1 {
			sessionID = b.ID
		}
		wg.Add(1)
		go func(cartID, sessionID string) {
			defer wg.Done()
			_, err := svc.CommitSale(ctx, cartID, domain.CommitSaleRequest{SessionID: sessionID, Tenders: cashTender(50000)})
			if err == nil {
				mu.Lock()
				sold++
				mu.Unlock()
				return
			}
			if !errors.Is(err, domain.ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}(cartID, sessionID)
	}
	wg.Wait()

	if sold != 2 {
		t.Fatalf("expected exactly the 2 units in stock to sell, sold %d", sold)
	}
	levels, _ := repo.GetStockLevels(ctx, domain.MovementVariant, []string{"var-x"})
	if levels["var-x"] != 0 {
		t.Fatalf("stock should be 0, got %d", levels["var-x"])
	}
}

func TestIdempotentCommitReturnsOriginalSale(t *testing.T) {
	svc, repo, events := newTestService(t)
	ctx := cashierCtx()
	session := openTestSession(t, svc, "reg-01", 0)

	c, _ := svc.CreateCart(ctx)
	if _, err := svc.AddProduct(ctx, c.ID, domain.AddProductRequest{VariantID: "var-x", Quantity: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}
	req := domain.CommitSaleRequest{SessionID: session.ID, Tenders: cashTender(30000), IdempotencyKey: "idem-1"}
	first, err := svc.CommitSale(ctx, c.ID, req)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	second, err := svc.CommitSale(ctx, c.ID, req)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !second.Duplicate || second.Sale.ID != first.Sale.ID {
		t.Fatalf("expected duplicate of %s, got %+v", first.Sale.ID, second)
	}
	levels, _ := repo.GetStockLevels(ctx, domain.MovementVariant, []string{"var-x"})
	if levels["var-x"] != 1 {
		t.Fatalf("resubmission decremented stock again: %d", levels["var-x"])
	}
	if len(events.sales) != 1 {
		t.Fatalf("expected a single sale event, got %d", len(events.sales))
	}
	got, err := svc.GetSale(ctx, first.Sale.ID)
	if err != nil || got.OrderNumber != first.Sale.OrderNumber {
		t.Fatalf("sale lookup: %+v err=%v", got, err)
	}
}

func TestCommitRejectsEmptyCartAndUnknownSession(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := cashierCtx()
	session := openTestSession(t, svc, "reg-01", 0)

	c, _ := svc.CreateCart(ctx)
	if _, err := svc.CommitSale(ctx, c.ID, domain.CommitSaleRequest{SessionID: session.ID, Tenders: cashTender(100)}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation for empty cart, got %v", err)
	}
	if _, err := svc.AddProduct(ctx, c.ID, domain.AddProductRequest{VariantID: "var-x"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := svc.CommitSale(ctx, c.ID, domain.CommitSaleRequest{SessionID: "sess-missing", Tenders: cashTender(30000)}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found session, got %v", err)
	}
	if _, err := svc.CommitSale(ctx, "cart-missing", domain.CommitSaleRequest{SessionID: session.ID, Tenders: cashTender(30000)}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found cart, got %v", err)
	}
}

func TestCartMutationsThroughService(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := cashierCtx()

	c, _ := svc.CreateCart(ctx)
	added, err := svc.AddProduct(ctx, c.ID, domain.AddProductRequest{Code: "7700000000011", Quantity: 5})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !added.Added.Capped || added.Added.Quantity != 2 {
		t.Fatalf("expected add capped at stock 2, got %+v", added.Added)
	}
	ref := added.Added.Ref

	before := added.Cart.Totals
	same, err := svc.UpdateQuantity(ctx, c.ID, ref, 2)
	if err != nil || same.Totals.TotalCents != before.TotalCents {
		t.Fatalf("no-op update changed totals: %+v vs %+v err=%v", same.Totals, before, err)
	}
	if _, err := svc.UpdateQuantity(ctx, c.ID, ref, 0); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation for zero quantity, got %v", err)
	}
	if _, err := svc.SetDiscount(ctx, c.ID, 50000); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation for discount over subtotal, got %v", err)
	}
	kept, _ := svc.GetCart(ctx, c.ID)
	if kept.Totals.TotalCents != before.TotalCents || kept.Totals.DiscountCents != 0 {
		t.Fatalf("rejected mutations changed the stored cart: %+v", kept.Totals)
	}

	if _, err := svc.AddProduct(ctx, c.ID, domain.AddProductRequest{Code: "TPL-TEE"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation adding a template as product, got %v", err)
	}
	removed, err := svc.RemoveLine(ctx, c.ID, ref)
	if err != nil || len(removed.Lines) != 0 {
		t.Fatalf("remove: %+v err=%v", removed, err)
	}
	if _, err := svc.RemoveLine(ctx, c.ID, ref); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found removing twice, got %v", err)
	}

	if err := svc.DiscardCart(ctx, c.ID); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if _, err := svc.GetCart(ctx, c.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected discarded cart to be gone, got %v", err)
	}
}

func TestScanConfirmsOnThirdRead(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := cashierCtx()
	c, _ := svc.CreateCart(ctx)

	for i := 1; i <= 2; i++ {
		resp, err := svc.Scan(ctx, c.ID, domain.ScanRequest{Source: "cam-1", Code: "VAR-X"})
		if err != nil || resp.Confirmed || resp.Pending != i {
			t.Fatalf("read %d: %+v err=%v", i, resp, err)
		}
	}
	resp, err := svc.Scan(ctx, c.ID, domain.ScanRequest{Source: "cam-1", Code: "VAR-X"})
	if err != nil || !resp.Confirmed || resp.Cart == nil || len(resp.Cart.Lines) != 1 || resp.Cart.Lines[0].Quantity != 1 {
		t.Fatalf("third read should add one unit: %+v err=%v", resp, err)
	}
	for i := 0; i < 5; i++ {
		resp, _ = svc.Scan(ctx, c.ID, domain.ScanRequest{Source: "cam-1", Code: "VAR-X"})
		if resp.Confirmed {
			t.Fatalf("held item confirmed again on read %d", i+4)
		}
	}

	// Switching source drops partial progress.
	_, _ = svc.Scan(ctx, c.ID, domain.ScanRequest{Source: "cam-1", Code: "TPL-TEE"})
	_, _ = svc.Scan(ctx, c.ID, domain.ScanRequest{Source: "cam-1", Code: "TPL-TEE"})
	resp, _ = svc.Scan(ctx, c.ID, domain.ScanRequest{Source: "cam-2", Code: "TPL-TEE"})
	if resp.Confirmed || resp.Pending != 1 {
		t.Fatalf("source switch should reset the count: %+v", resp)
	}
	_, _ = svc.Scan(ctx, c.ID, domain.ScanRequest{Source: "cam-2", Code: "TPL-TEE"})
	resp, err = svc.Scan(ctx, c.ID, domain.ScanRequest{Source: "cam-2", Code: "TPL-TEE"})
	if err != nil || !resp.Confirmed || resp.Item == nil || resp.Item.Kind != domain.ItemKindTemplate || resp.Cart != nil {
		t.Fatalf("confirmed template should be returned, not added: %+v err=%v", resp, err)
	}

	if resp, _ := svc.Scan(ctx, c.ID, domain.ScanRequest{Code: "ab"}); resp.Pending != 0 || resp.Confirmed {
		t.Fatalf("short read should be ignored: %+v", resp)
	}
}

func TestAuditTrailAndFailingPublisher(t *testing.T) {
	repo := memory.NewSeeded()
	svc := New(repo, Options{
		TaxRate: decimal.RequireFromString("0.19"),
		Events:  failingPublisher{},
		Logger:  zaptest.NewLogger(t),
		Now:     func() time.Time { return time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC) },
	})
	ctx := cashierCtx()

	session := openTestSession(t, svc, "reg-01", 10000)
	c, _ := svc.CreateCart(ctx)
	if _, err := svc.AddProduct(ctx, c.ID, domain.AddProductRequest{Code: "STICKER-A6", Quantity: 2}); err != nil {
		t.Fatalf("add: %v", err)
	}
	resp, err := svc.CommitSale(ctx, c.ID, domain.CommitSaleRequest{SessionID: session.ID, Tenders: cashTender(10000)})
	if err != nil {
		t.Fatalf("commit should survive a broker failure: %v", err)
	}
	if resp.Sale.OrderNumber[:11] != "S-20261017-" {
		t.Fatalf("order number should carry the sale date: %s", resp.Sale.OrderNumber)
	}

	logs, err := svc.ListAuditLogs(ctx, 10)
	if err != nil {
		t.Fatalf("audit logs: %v", err)
	}
	if len(logs) != 2 || logs[0].Action != "sale_commit" || logs[1].Action != "session_open" {
		t.Fatalf("unexpected audit trail %+v", logs)
	}
	if logs[0].ActorUsername != "cashier" || logs[0].StoreID != "main-store" {
		t.Fatalf("audit entry missing actor or store: %+v", logs[0])
	}
}

func TestOversizedTemplateQuantityIsRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := cashierCtx()
	c, _ := svc.CreateCart(ctx)

	if _, err := svc.AddTemplate(ctx, c.ID, domain.AddTemplateRequest{Code: "TPL-TEE", ZoneIDs: []string{"front-chest"}, Quantity: cart.MaxLineQuantity + 1}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation for an oversized template quantity, got %v", err)
	}
	added, err := svc.AddTemplate(ctx, c.ID, domain.AddTemplateRequest{Code: "TPL-TEE", ZoneIDs: []string{"front-chest"}})
	if err != nil {
		t.Fatalf("add template: %v", err)
	}
	ref := added.Cart.Lines[0].Ref
	if _, err := svc.UpdateQuantity(ctx, c.ID, ref, cart.MaxLineQuantity+1); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation for an oversized update, got %v", err)
	}
	kept, _ := svc.GetCart(ctx, c.ID)
	if kept.Lines[0].Quantity != 1 || kept.Totals.SubtotalCents != 18000 {
		t.Fatalf("rejected update changed the stored cart: %+v", kept)
	}
}

func TestScanDropsReadsWithSurroundingWhitespace(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := cashierCtx()
	c, _ := svc.CreateCart(ctx)

	for i := 0; i < 4; i++ {
		resp, err := svc.Scan(ctx, c.ID, domain.ScanRequest{Source: "cam-1", Code: " VAR-X\n"})
		if err != nil || resp.Confirmed || resp.Pending != 0 {
			t.Fatalf("read %d should be discarded: %+v err=%v", i+1, resp, err)
		}
	}
	kept, _ := svc.GetCart(ctx, c.ID)
	if len(kept.Lines) != 0 {
		t.Fatalf("malformed reads added lines: %+v", kept.Lines)
	}
}

func TestIdleCartStateIsSwept(t *testing.T) {
	repo := memory.New()
	repo.PutVariant(domain.Variant{ID: "var-x", SKU: "VAR-X", Name: "Variant X", PriceCents: 20000, Active: true}, 5)
	var (
		mu  sync.Mutex
		now = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}
	svc := New(repo, Options{TaxRate: decimal.RequireFromString("0.19"), CartTTL: time.Hour, Now: clock, Logger: zaptest.NewLogger(t)})
	ctx := cashierCtx()

	stale, _ := svc.CreateCart(ctx)
	if _, err := svc.Scan(ctx, stale.ID, domain.ScanRequest{Source: "cam-1", Code: "VAR-X"}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	live, _ := svc.CreateCart(ctx)
	if _, err := svc.SetDiscount(ctx, live.ID, 0); err != nil {
		t.Fatalf("touch live cart: %v", err)
	}
	if len(svc.cartRefs) != 2 {
		t.Fatalf("expected 2 tracked carts, got %d", len(svc.cartRefs))
	}

	advance(time.Hour + 2*time.Minute)
	if _, err := svc.SetDiscount(ctx, live.ID, 0); err != nil {
		t.Fatalf("touch live cart: %v", err)
	}
	if len(svc.cartRefs) != 1 {
		t.Fatalf("expected the idle cart state to be swept, got %d entries", len(svc.cartRefs))
	}
	if _, ok := svc.cartRefs[live.ID]; !ok {
		t.Fatalf("live cart state was dropped")
	}

	if err := svc.DiscardCart(ctx, live.ID); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if len(svc.cartRefs) != 0 {
		t.Fatalf("discarded cart state kept: %d entries", len(svc.cartRefs))
	}
}
