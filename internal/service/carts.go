package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"labelpos/backend/internal/cart"
	"labelpos/backend/internal/domain"
	"labelpos/backend/internal/scan"
	"labelpos/backend/internal/xid"
)

// cartState serializes requests against one cart inside this process and
// holds its scan filter. Filters are per process; a terminal that moves to
// another API instance starts a fresh confirmation run.
//
// refs, lastUsed and forget are guarded by Service.cartMu.
type cartState struct {
	mu       sync.Mutex
	filter   *scan.Filter
	refs     int
	lastUsed time.Time
	forget   bool
}

const cartSweepInterval = time.Minute

type CartResponse struct {
	Cart  cart.Snapshot   `json:"cart"`
	Added *cart.AddResult `json:"added,omitempty"`
}

type ScanResponse struct {
	Confirmed bool                `json:"confirmed"`
	Code      string              `json:"code,omitempty"`
	Pending   int                 `json:"pending"`
	Item      *domain.CatalogItem `json:"item,omitempty"`
	Cart      *cart.Snapshot      `json:"cart,omitempty"`
	Added     *cart.AddResult     `json:"added,omitempty"`
}

func (s *Service) CreateCart(ctx context.Context) (cart.Snapshot, error) {
	c := cart.New(xid.New("cart"), s.taxRate)
	snapshot := c.Snapshot()
	if err := s.carts.Save(ctx, snapshot); err != nil {
		return cart.Snapshot{}, err
	}
	return snapshot, nil
}

func (s *Service) GetCart(ctx context.Context, cartID string) (cart.Snapshot, error) {
	c, err := s.loadCart(ctx, cartID)
	if err != nil {
		return cart.Snapshot{}, err
	}
	return c.Snapshot(), nil
}

func (s *Service) DiscardCart(ctx context.Context, cartID string) error {
	_, unlock := s.lockCart(cartID)
	defer unlock()
	s.forgetCart(cartID)
	return s.carts.Delete(ctx, cartID)
}

// AddProduct resolves a variant by id or code and adds it to the cart. An
// omitted quantity means one unit.
func (s *Service) AddProduct(ctx context.Context, cartID string, req domain.AddProductRequest) (CartResponse, error) {
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	variant, stock, err := s.resolveVariant(ctx, req)
	if err != nil {
		return CartResponse{}, err
	}

	var added cart.AddResult
	snapshot, err := s.mutateCart(ctx, cartID, func(c *cart.Cart) error {
		result, err := c.AddProductLine(variant, stock, req.Quantity)
		added = result
		return err
	})
	if err != nil {
		return CartResponse{}, err
	}
	return CartResponse{Cart: snapshot, Added: &added}, nil
}

func (s *Service) AddTemplate(ctx context.Context, cartID string, req domain.AddTemplateRequest) (CartResponse, error) {
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	template, err := s.resolveTemplate(ctx, req)
	if err != nil {
		return CartResponse{}, err
	}

	var ref string
	snapshot, err := s.mutateCart(ctx, cartID, func(c *cart.Cart) error {
		var err error
		ref, err = c.AddTemplateLine(template, req.ZoneIDs, req.Quantity)
		return err
	})
	if err != nil {
		return CartResponse{}, err
	}
	return CartResponse{Cart: snapshot, Added: &cart.AddResult{Ref: ref, Quantity: req.Quantity}}, nil
}

func (s *Service) UpdateQuantity(ctx context.Context, cartID string, ref string, quantity int) (cart.Snapshot, error) {
	return s.mutateCart(ctx, cartID, func(c *cart.Cart) error {
		return c.UpdateQuantity(ref, quantity)
	})
}

func (s *Service) RemoveLine(ctx context.Context, cartID string, ref string) (cart.Snapshot, error) {
	return s.mutateCart(ctx, cartID, func(c *cart.Cart) error {
		return c.RemoveLine(ref)
	})
}

func (s *Service) SetDiscount(ctx context.Context, cartID string, discountCents int64) (cart.Snapshot, error) {
	return s.mutateCart(ctx, cartID, func(c *cart.Cart) error {
		return c.SetDiscount(discountCents)
	})
}

// Scan feeds one decoded read into the cart's filter. Nothing happens until a
// code is confirmed; a confirmed product adds one unit, a confirmed template
// is returned so the operator can pick zones.
func (s *Service) Scan(ctx context.Context, cartID string, req domain.ScanRequest) (ScanResponse, error) {
	state, unlock := s.lockCart(cartID)
	defer unlock()

	c, err := s.loadCart(ctx, cartID)
	if err != nil {
		s.forgetMissing(cartID, err)
		return ScanResponse{}, err
	}

	filter := filterFor(state, req.Source)
	code, confirmed := filter.Feed(req.Code)
	if !confirmed {
		_, pending := filter.Pending()
		return ScanResponse{Pending: pending}, nil
	}

	s.logger.Debug("scan confirmed", zap.String("cart_id", cartID), zap.String("source", filter.Source()), zap.String("code", code))
	item, err := s.catalog.Resolve(ctx, code)
	if err != nil {
		return ScanResponse{}, err
	}
	resp := ScanResponse{Confirmed: true, Code: code, Item: &item}
	if item.Kind != domain.ItemKindProduct || item.Variant == nil {
		return resp, nil
	}

	added, err := c.AddProductLine(*item.Variant, item.Stock, 1)
	if err != nil {
		return ScanResponse{}, err
	}
	snapshot := c.Snapshot()
	if err := s.carts.Save(ctx, snapshot); err != nil {
		return ScanResponse{}, err
	}
	resp.Cart = &snapshot
	resp.Added = &added
	return resp, nil
}

func (s *Service) resolveVariant(ctx context.Context, req domain.AddProductRequest) (domain.Variant, int, error) {
	if id := strings.TrimSpace(req.VariantID); id != "" {
		variant, err := s.repo.GetVariant(ctx, id)
		if err != nil {
			return domain.Variant{}, 0, err
		}
		levels, err := s.repo.GetStockLevels(ctx, domain.MovementVariant, []string{variant.ID})
		if err != nil {
			return domain.Variant{}, 0, err
		}
		return *variant, levels[variant.ID], nil
	}
	if strings.TrimSpace(req.Code) == "" {
		return domain.Variant{}, 0, domain.Invalid("code", "code or variantId is required")
	}

	item, err := s.catalog.Resolve(ctx, req.Code)
	if err != nil {
		return domain.Variant{}, 0, err
	}
	if item.Kind != domain.ItemKindProduct || item.Variant == nil {
		return domain.Variant{}, 0, domain.Invalid("code", "code resolves to a template; add it with zone selections")
	}
	return *item.Variant, item.Stock, nil
}

func (s *Service) resolveTemplate(ctx context.Context, req domain.AddTemplateRequest) (domain.Template, error) {
	if id := strings.TrimSpace(req.TemplateID); id != "" {
		template, err := s.repo.GetTemplate(ctx, id)
		if err != nil {
			return domain.Template{}, err
		}
		return *template, nil
	}
	if strings.TrimSpace(req.Code) == "" {
		return domain.Template{}, domain.Invalid("code", "code or templateId is required")
	}

	item, err := s.catalog.Resolve(ctx, req.Code)
	if err != nil {
		return domain.Template{}, err
	}
	if item.Kind != domain.ItemKindTemplate || item.Template == nil {
		return domain.Template{}, domain.Invalid("code", "code resolves to a product, not a template")
	}
	return *item.Template, nil
}

// mutateCart loads, changes and saves a cart under its lock. A rejected
// mutation is not saved, so the stored cart stays as it was.
func (s *Service) mutateCart(ctx context.Context, cartID string, apply func(*cart.Cart) error) (cart.Snapshot, error) {
	_, unlock := s.lockCart(cartID)
	defer unlock()

	c, err := s.loadCart(ctx, cartID)
	if err != nil {
		s.forgetMissing(cartID, err)
		return cart.Snapshot{}, err
	}
	if err := apply(c); err != nil {
		return cart.Snapshot{}, err
	}
	snapshot := c.Snapshot()
	if err := s.carts.Save(ctx, snapshot); err != nil {
		return cart.Snapshot{}, err
	}
	return snapshot, nil
}

func (s *Service) loadCart(ctx context.Context, cartID string) (*cart.Cart, error) {
	cartID = strings.TrimSpace(cartID)
	if cartID == "" {
		return nil, domain.Invalid("cartId", "is required")
	}
	snapshot, err := s.carts.Load(ctx, cartID)
	if err != nil {
		return nil, err
	}
	c, err := cart.Restore(snapshot, s.taxRate)
	if err != nil {
		return nil, fmt.Errorf("restore cart %s: %w", cartID, err)
	}
	return c, nil
}

// acquireState pins the cart's state so a sweep cannot drop it while a
// request holds or waits on its lock.
func (s *Service) acquireState(cartID string) *cartState {
	s.cartMu.Lock()
	defer s.cartMu.Unlock()
	now := s.now()
	if now.Sub(s.lastSweep) >= cartSweepInterval {
		s.sweepCartsLocked(now.Add(-s.cartTTL))
		s.lastSweep = now
	}
	state, ok := s.cartRefs[cartID]
	if !ok {
		state = &cartState{}
		s.cartRefs[cartID] = state
	}
	state.refs++
	state.lastUsed = now
	return state
}

func (s *Service) releaseState(cartID string, state *cartState) {
	s.cartMu.Lock()
	defer s.cartMu.Unlock()
	state.refs--
	state.lastUsed = s.now()
	if state.forget && state.refs == 0 && s.cartRefs[cartID] == state {
		delete(s.cartRefs, cartID)
	}
}

// sweepCartsLocked drops states idle since before cutoff. Their carts have
// expired from the cart store by then, taking any pending scan run with them.
func (s *Service) sweepCartsLocked(cutoff time.Time) {
	for cartID, state := range s.cartRefs {
		if state.refs == 0 && state.lastUsed.Before(cutoff) {
			delete(s.cartRefs, cartID)
		}
	}
}

func (s *Service) lockCart(cartID string) (*cartState, func()) {
	state := s.acquireState(cartID)
	state.mu.Lock()
	return state, func() {
		state.mu.Unlock()
		s.releaseState(cartID, state)
	}
}

// filterFor must be called with the cart locked.
func filterFor(state *cartState, source string) *scan.Filter {
	source = strings.TrimSpace(source)
	if source == "" {
		source = "default"
	}
	if state.filter == nil {
		state.filter = scan.NewFilter(source)
	} else {
		state.filter.SwitchSource(source)
	}
	return state.filter
}

// resetFilter must be called with the cart locked.
func resetFilter(state *cartState) {
	if state.filter != nil {
		state.filter.Reset()
	}
}

// forgetCart drops the cart's state once the last request holding it is done.
func (s *Service) forgetCart(cartID string) {
	s.cartMu.Lock()
	defer s.cartMu.Unlock()
	if state, ok := s.cartRefs[cartID]; ok {
		state.forget = true
		if state.refs == 0 {
			delete(s.cartRefs, cartID)
		}
	}
}

func (s *Service) forgetMissing(cartID string, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		s.forgetCart(cartID)
	}
}
