package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"labelpos/backend/internal/cache"
	"labelpos/backend/internal/catalog"
	"labelpos/backend/internal/domain"
	"labelpos/backend/internal/events"
	"labelpos/backend/internal/store"
	"labelpos/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// RecipeResolver maps a template to the consumables one unit of it uses up.
type RecipeResolver interface {
	ConsumablesFor(ctx context.Context, templateID string) ([]domain.RecipeComponent, error)
}

type Options struct {
	StoreID string
	TaxRate decimal.Decimal
	// Catalog and Recipes default to the repository itself.
	Catalog catalog.Lookup
	Recipes RecipeResolver
	Carts   cache.CartStore
	// CartTTL is how long an untouched cart lives; defaults to 12h.
	CartTTL time.Duration
	Events  events.Publisher
	Logger  *zap.Logger
	Now     func() time.Time
}

type Service struct {
	repo      store.Repository
	storeID   string
	taxRate   decimal.Decimal
	catalog   catalog.Lookup
	recipes   RecipeResolver
	carts     cache.CartStore
	events    events.Publisher
	logger    *zap.Logger
	now       func() time.Time
	cartTTL   time.Duration
	cartMu    sync.Mutex
	cartRefs  map[string]*cartState
	lastSweep time.Time
}

func New(repo store.Repository, opts Options) *Service {
	if opts.StoreID == "" {
		opts.StoreID = "main-store"
	}
	if opts.Catalog == nil {
		opts.Catalog = repo
	}
	if opts.Recipes == nil {
		opts.Recipes = repo
	}
	if opts.CartTTL <= 0 {
		opts.CartTTL = 12 * time.Hour
	}
	if opts.Carts == nil {
		opts.Carts = cache.NewMemoryCartStore(opts.CartTTL)
	}
	if opts.Events == nil {
		opts.Events = events.Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		repo:     repo,
		storeID:  opts.StoreID,
		taxRate:  opts.TaxRate,
		catalog:  opts.Catalog,
		recipes:  opts.Recipes,
		carts:    opts.Carts,
		events:   opts.Events,
		logger:   opts.Logger.Named("service"),
		now:      opts.Now,
		cartTTL:  opts.CartTTL,
		cartRefs: make(map[string]*cartState),
	}
}

func (s *Service) TaxRate() decimal.Decimal {
	return s.taxRate
}

// OpenSession puts a cashier on a register. The store performs the occupancy
// check and the insert as one step, so a racing open gets ErrConflict.
func (s *Service) OpenSession(ctx context.Context, req domain.OpenSessionRequest) (domain.SessionResponse, error) {
	req.RegisterID = strings.TrimSpace(req.RegisterID)
	req.CashierID = strings.TrimSpace(req.CashierID)
	if req.CashierID == "" {
		if actor, ok := ActorFromContext(ctx); ok {
			req.CashierID = actor.Username
		}
	}
	if req.RegisterID == "" {
		return domain.SessionResponse{}, domain.Invalid("registerId", "is required")
	}

	register, err := s.repo.GetRegister(ctx, req.RegisterID)
	if err != nil {
		return domain.SessionResponse{}, err
	}
	if !register.Active {
		return domain.SessionResponse{}, domain.Invalid("registerId", "register is not active")
	}

	session, err := domain.NewCashSession(xid.New("sess"), register.ID, req.CashierID, req.OpeningFloatCents, s.now())
	if err != nil {
		return domain.SessionResponse{}, err
	}
	created, err := s.repo.CreateSession(ctx, session)
	if err != nil {
		return domain.SessionResponse{}, err
	}

	s.logAudit(ctx, "session_open", "cash_session", created.ID, fmt.Sprintf("register=%s,cashier=%s,float=%d", created.RegisterID, created.CashierID, created.OpeningFloatCents))
	s.logger.Info("session opened", zap.String("session_id", created.ID), zap.String("register_id", created.RegisterID), zap.String("cashier_id", created.CashierID))
	return toSessionResponse(*created), nil
}

func (s *Service) CloseSession(ctx context.Context, sessionID string, req domain.CloseSessionRequest) (domain.SessionResponse, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.SessionResponse{}, domain.Invalid("sessionId", "is required")
	}

	closed, err := s.repo.CloseSession(ctx, sessionID, req.CountedFloatCents, strings.TrimSpace(req.Notes), s.now())
	if err != nil {
		return domain.SessionResponse{}, err
	}

	s.logAudit(ctx, "session_close", "cash_session", closed.ID, fmt.Sprintf("expected=%d,counted=%d,variance=%d", *closed.ExpectedCents, *closed.ClosingFloatCents, *closed.VarianceCents))
	if err := s.events.SessionClosed(ctx, domain.SessionClosedEvent{
		SessionID:     closed.ID,
		StoreID:       s.storeID,
		RegisterID:    closed.RegisterID,
		CashierID:     closed.CashierID,
		SalesCount:    closed.SalesCount,
		SalesTotal:    closed.SalesTotalCents,
		ExpectedCents: *closed.ExpectedCents,
		VarianceCents: *closed.VarianceCents,
		ClosedAt:      *closed.ClosedAt,
	}); err != nil {
		s.logger.Warn("publish session closed failed", zap.String("session_id", closed.ID), zap.Error(err))
	}
	return toSessionResponse(*closed), nil
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (domain.SessionResponse, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.SessionResponse{}, err
	}
	return toSessionResponse(*session), nil
}

func (s *Service) GetOpenSessionForRegister(ctx context.Context, registerID string) (domain.SessionResponse, error) {
	session, err := s.repo.GetOpenSessionByRegister(ctx, strings.TrimSpace(registerID))
	if err != nil {
		return domain.SessionResponse{}, err
	}
	return toSessionResponse(*session), nil
}

func (s *Service) ListSessionSales(ctx context.Context, sessionID string, limit int) ([]domain.Sale, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListSessionSales(ctx, sessionID, limit)
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.Sale, error) {
	sale, err := s.repo.FindSaleByID(ctx, strings.TrimSpace(saleID))
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListStockMovements(ctx context.Context, saleID string) ([]domain.StockMovement, error) {
	return s.repo.ListStockMovements(ctx, strings.TrimSpace(saleID))
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if limit < 1 || limit > 1000 {
		limit = 200
	}
	return s.repo.ListAuditLogs(ctx, limit)
}

// Lookup resolves a scanned or typed code through the catalog.
func (s *Service) Lookup(ctx context.Context, code string) (domain.CatalogItem, error) {
	return s.catalog.Resolve(ctx, code)
}

func toSessionResponse(session domain.CashSession) domain.SessionResponse {
	expected := session.ExpectedCashCents()
	if session.ExpectedCents != nil {
		expected = *session.ExpectedCents
	}
	return domain.SessionResponse{Session: session, ExpectedCents: expected}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		StoreID:       s.storeID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.logger.Warn("write audit log failed",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err),
		)
	}
}
