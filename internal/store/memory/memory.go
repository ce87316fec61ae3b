package memory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"labelpos/backend/internal/domain"
	"labelpos/backend/internal/store"
	"labelpos/backend/internal/xid"
)

// Store keeps everything in maps behind one lock. Every write path that spans
// several records holds the write lock for its whole duration, which gives
// the same all-or-nothing behaviour the postgres store gets from transactions.
type Store struct {
	mu              sync.RWMutex
	registers       map[string]domain.CashRegister
	variants        map[string]domain.Variant
	templates       map[string]domain.Template
	consumables     map[string]domain.Consumable
	variantStock    map[string]int
	consumableStock map[string]int
	recipes         map[string][]domain.RecipeComponent
	sessionsByID    map[string]domain.CashSession
	openByRegister  map[string]string
	salesByID       map[string]domain.Sale
	salesByIdem     map[string]string
	salesByOrder    map[string]string
	salesBySession  map[string][]string
	movementsBySale map[string][]domain.StockMovement
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		registers:       make(map[string]domain.CashRegister),
		variants:        make(map[string]domain.Variant),
		templates:       make(map[string]domain.Template),
		consumables:     make(map[string]domain.Consumable),
		variantStock:    make(map[string]int),
		consumableStock: make(map[string]int),
		recipes:         make(map[string][]domain.RecipeComponent),
		sessionsByID:    make(map[string]domain.CashSession),
		openByRegister:  make(map[string]string),
		salesByID:       make(map[string]domain.Sale),
		salesByIdem:     make(map[string]string),
		salesByOrder:    make(map[string]string),
		salesBySession:  make(map[string][]string),
		movementsBySale: make(map[string][]domain.StockMovement),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// seedUsers builds dev/demo accounts. Passwords come from SEED_MANAGER_PASSWORD
// and SEED_CASHIER_PASSWORD; the postgres store never uses them.
func seedUsers() map[string]domain.UserAccount {
	managerPwd := envOr("SEED_MANAGER_PASSWORD", "manager123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_MANAGER_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		zap.L().Named("memory-store").Warn("using default dev credentials; set SEED_MANAGER_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"manager", managerPwd, domain.RoleManager},
		{"cashier", cashierPwd, domain.RoleCashier},
		{"cashier2", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			panic(fmt.Sprintf("memory-store: hash seed password for %s: %v", u.username, err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with a small print-shop catalog, two registers
// and demo users.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	s.PutRegister(domain.CashRegister{ID: "reg-01", Name: "Front Counter", Location: "Main floor", Active: true, CreatedAt: now})
	s.PutRegister(domain.CashRegister{ID: "reg-02", Name: "Print Desk", Location: "Back office", Active: true, CreatedAt: now})
	s.PutRegister(domain.CashRegister{ID: "reg-old", Name: "Retired Till", Location: "Storage", Active: false, CreatedAt: now})

	for _, v := range []struct {
		variant domain.Variant
		stock   int
	}{
		{domain.Variant{ID: "var-tee-blk-m", SKU: "TEE-BLK-M", Barcode: "7701234000017", Name: "Tee Black M", PriceCents: 20000, Active: true}, 24},
		{domain.Variant{ID: "var-tee-wht-l", SKU: "TEE-WHT-L", Barcode: "7701234000024", Name: "Tee White L", PriceCents: 20000, Active: true}, 18},
		{domain.Variant{ID: "var-cap-navy", SKU: "CAP-NAVY", Barcode: "7701234000031", Name: "Cap Navy", PriceCents: 15000, Active: true}, 10},
		{domain.Variant{ID: "var-sticker-a6", SKU: "STICKER-A6", Barcode: "7701234000048", Name: "Sticker Sheet A6", PriceCents: 3500, Active: true}, 200},
		{domain.Variant{ID: "var-tote-old", SKU: "TOTE-OLD", Barcode: "7701234000055", Name: "Tote (discontinued)", PriceCents: 9000, Active: false}, 3},
	} {
		s.PutVariant(v.variant, v.stock)
	}

	s.PutConsumable(domain.Consumable{ID: "con-blank-tee", Name: "Blank tee", Unit: "pcs"}, 40)
	s.PutConsumable(domain.Consumable{ID: "con-blank-mug", Name: "Blank mug 11oz", Unit: "pcs"}, 30)
	s.PutConsumable(domain.Consumable{ID: "con-ink", Name: "Sublimation ink", Unit: "ml"}, 1000)

	s.PutTemplate(domain.Template{
		ID:             "tpl-tee",
		Code:           "TPL-TEE",
		Name:           "Custom Tee",
		BasePriceCents: 25000,
		Active:         true,
		Categories: []domain.ZoneCategory{
			{ID: "tee-front", Name: "Front", Required: true, Zones: []domain.Zone{
				{ID: "tee-front-chest", Name: "Left chest", PriceCents: 4000},
				{ID: "tee-front-full", Name: "Full front", PriceCents: 9000},
			}},
			{ID: "tee-back", Name: "Back", Zones: []domain.Zone{
				{ID: "tee-back-full", Name: "Full back", PriceCents: 9000},
				{ID: "tee-back-name", Name: "Name and number", PriceCents: 6000},
			}},
			{ID: "tee-sleeve", Name: "Sleeve", Zones: []domain.Zone{
				{ID: "tee-sleeve-left", Name: "Left sleeve", PriceCents: 3000},
			}},
		},
	}, []domain.RecipeComponent{
		{ConsumableID: "con-blank-tee", QuantityPerUnit: 1},
		{ConsumableID: "con-ink", QuantityPerUnit: 15},
	})
	s.PutTemplate(domain.Template{
		ID:             "tpl-mug",
		Code:           "TPL-MUG",
		Name:           "Custom Mug",
		BasePriceCents: 15000,
		Active:         true,
		Categories: []domain.ZoneCategory{
			{ID: "mug-wrap", Name: "Wrap", Required: true, Zones: []domain.Zone{
				{ID: "mug-wrap-logo", Name: "Logo", PriceCents: 3000},
				{ID: "mug-wrap-photo", Name: "Photo", PriceCents: 5000},
			}},
		},
	}, []domain.RecipeComponent{
		{ConsumableID: "con-blank-mug", QuantityPerUnit: 1},
		{ConsumableID: "con-ink", QuantityPerUnit: 5},
	})

	s.usersByUsername = seedUsers()
	return s
}

func (s *Store) PutRegister(r domain.CashRegister) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registers[r.ID] = r
}

func (s *Store) PutVariant(v domain.Variant, stock int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v.SKU = strings.ToUpper(v.SKU)
	s.variants[v.ID] = v
	s.variantStock[v.ID] = stock
}

func (s *Store) PutConsumable(c domain.Consumable, stock int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumables[c.ID] = c
	s.consumableStock[c.ID] = stock
}

func (s *Store) PutTemplate(t domain.Template, recipe []domain.RecipeComponent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Code = strings.ToUpper(t.Code)
	s.templates[t.ID] = cloneTemplate(t)
	s.recipes[t.ID] = append([]domain.RecipeComponent(nil), recipe...)
}

func (s *Store) Resolve(_ context.Context, code string) (domain.CatalogItem, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return domain.CatalogItem{}, domain.Invalid("code", "is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, v := range s.variants {
		if !v.Active {
			continue
		}
		if v.SKU == code || v.Barcode == code || strings.ToUpper(v.ID) == code {
			variant := v
			return domain.CatalogItem{Kind: domain.ItemKindProduct, Variant: &variant, Stock: s.variantStock[v.ID]}, nil
		}
	}
	for _, t := range s.templates {
		if !t.Active {
			continue
		}
		if t.Code == code || strings.ToUpper(t.ID) == code {
			template := cloneTemplate(t)
			return domain.CatalogItem{
				Kind:     domain.ItemKindTemplate,
				Template: &template,
				Stock:    store.BuildableUnits(s.recipes[t.ID], s.consumableStock),
			}, nil
		}
	}
	return domain.CatalogItem{}, fmt.Errorf("code %s: %w", code, domain.ErrNotFound)
}

func (s *Store) GetVariant(_ context.Context, id string) (*domain.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.variants[id]
	if !ok {
		return nil, fmt.Errorf("variant %s: %w", id, domain.ErrNotFound)
	}
	return &v, nil
}

func (s *Store) GetTemplate(_ context.Context, id string) (*domain.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, fmt.Errorf("template %s: %w", id, domain.ErrNotFound)
	}
	out := cloneTemplate(t)
	return &out, nil
}

func (s *Store) GetStockLevels(_ context.Context, kind string, ids []string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	source, err := s.stockMapLocked(kind)
	if err != nil {
		return nil, err
	}
	levels := make(map[string]int, len(ids))
	for _, id := range ids {
		if qty, ok := source[id]; ok {
			levels[id] = qty
		}
	}
	return levels, nil
}

func (s *Store) ConsumablesFor(_ context.Context, templateID string) ([]domain.RecipeComponent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.templates[templateID]; !ok {
		return nil, fmt.Errorf("template %s: %w", templateID, domain.ErrNotFound)
	}
	return append([]domain.RecipeComponent(nil), s.recipes[templateID]...), nil
}

func (s *Store) GetRegister(_ context.Context, id string) (*domain.CashRegister, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.registers[id]
	if !ok {
		return nil, fmt.Errorf("register %s: %w", id, domain.ErrNotFound)
	}
	return &r, nil
}

func (s *Store) CreateSession(_ context.Context, session domain.CashSession) (*domain.CashSession, error) {
	if session.ID == "" {
		session.ID = xid.New("sess")
	}
	if session.Status != domain.SessionStatusOpen {
		return nil, domain.Invalid("status", "new sessions must be open")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.registers[session.RegisterID]; !ok {
		return nil, fmt.Errorf("register %s: %w", session.RegisterID, domain.ErrNotFound)
	}
	if occupant, busy := s.openByRegister[session.RegisterID]; busy {
		return nil, fmt.Errorf("register %s already has open session %s: %w", session.RegisterID, occupant, domain.ErrConflict)
	}
	s.sessionsByID[session.ID] = session.Clone()
	s.openByRegister[session.RegisterID] = session.ID

	saved := session.Clone()
	return &saved, nil
}

func (s *Store) GetSession(_ context.Context, id string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessionsByID[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	out := session.Clone()
	return &out, nil
}

func (s *Store) GetOpenSessionByRegister(_ context.Context, registerID string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.openByRegister[registerID]
	if !ok {
		return nil, fmt.Errorf("open session for register %s: %w", registerID, domain.ErrNotFound)
	}
	out := s.sessionsByID[id].Clone()
	return &out, nil
}

func (s *Store) CloseSession(_ context.Context, id string, countedFloatCents *int64, notes string, closedAt time.Time) (*domain.CashSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessionsByID[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	working := session.Clone()
	if err := working.Close(countedFloatCents, notes, closedAt); err != nil {
		return nil, err
	}
	s.sessionsByID[id] = working
	if s.openByRegister[working.RegisterID] == id {
		delete(s.openByRegister, working.RegisterID)
	}

	out := working.Clone()
	return &out, nil
}

func (s *Store) CommitSale(_ context.Context, sale domain.Sale, plan []domain.StockDecrement) (*domain.Sale, error) {
	if err := store.ValidateSale(sale); err != nil {
		return nil, err
	}
	merged, err := store.MergeDecrements(plan)
	if err != nil {
		return nil, err
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.IdempotencyKey != "" {
		if existing, dup := s.salesByIdem[sale.IdempotencyKey]; dup {
			return nil, fmt.Errorf("idempotency key already used by sale %s: %w", existing, domain.ErrConflict)
		}
	}
	if _, dup := s.salesByOrder[sale.OrderNumber]; dup {
		return nil, fmt.Errorf("order number %s already exists: %w", sale.OrderNumber, domain.ErrConflict)
	}

	session, ok := s.sessionsByID[sale.SessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sale.SessionID, domain.ErrNotFound)
	}
	working := session.Clone()
	if err := working.RecordSale(sale.TotalCents); err != nil {
		return nil, err
	}

	// Check everything before touching anything.
	var shortages []domain.StockShortage
	for _, d := range merged {
		source, err := s.stockMapLocked(d.Kind)
		if err != nil {
			return nil, err
		}
		available := source[d.ItemID]
		if available < d.Quantity {
			shortages = append(shortages, domain.StockShortage{Kind: d.Kind, ItemID: d.ItemID, Requested: d.Quantity, Available: available})
		}
	}
	if len(shortages) > 0 {
		return nil, &domain.InsufficientStockError{Shortages: shortages}
	}

	movements := make([]domain.StockMovement, 0, len(merged))
	for _, d := range merged {
		source, err := s.stockMapLocked(d.Kind)
		if err != nil {
			return nil, err
		}
		source[d.ItemID] -= d.Quantity
		movements = append(movements, domain.StockMovement{
			ID:        xid.New("mov"),
			SaleID:    sale.ID,
			Kind:      d.Kind,
			ItemID:    d.ItemID,
			Quantity:  -d.Quantity,
			CreatedAt: sale.CreatedAt,
		})
	}

	s.sessionsByID[working.ID] = working
	s.salesByID[sale.ID] = cloneSale(sale)
	if sale.IdempotencyKey != "" {
		s.salesByIdem[sale.IdempotencyKey] = sale.ID
	}
	s.salesByOrder[sale.OrderNumber] = sale.ID
	s.salesBySession[sale.SessionID] = append(s.salesBySession[sale.SessionID], sale.ID)
	s.movementsBySale[sale.ID] = movements

	out := cloneSale(sale)
	return &out, nil
}

func (s *Store) FindSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sale, ok := s.salesByID[id]
	if !ok {
		return nil, fmt.Errorf("sale %s: %w", id, domain.ErrNotFound)
	}
	out := cloneSale(sale)
	return &out, nil
}

func (s *Store) FindSaleByIdempotency(_ context.Context, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.salesByIdem[key]
	if !ok {
		return nil, fmt.Errorf("sale for key %s: %w", key, domain.ErrNotFound)
	}
	out := cloneSale(s.salesByID[id])
	return &out, nil
}

func (s *Store) ListSessionSales(_ context.Context, sessionID string, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessionsByID[sessionID]; !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	ids := s.salesBySession[sessionID]
	sales := make([]domain.Sale, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		sales = append(sales, cloneSale(s.salesByID[ids[i]]))
		if limit > 0 && len(sales) == limit {
			break
		}
	}
	return sales, nil
}

func (s *Store) ListStockMovements(_ context.Context, saleID string) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.salesByID[saleID]; !ok {
		return nil, fmt.Errorf("sale %s: %w", saleID, domain.ErrNotFound)
	}
	return append([]domain.StockMovement(nil), s.movementsBySale[saleID]...), nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.auditLogs = append(s.auditLogs, entry)
	s.mu.Unlock()
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	logs := make([]domain.AuditLog, 0, len(s.auditLogs))
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		logs = append(logs, s.auditLogs[i])
		if limit > 0 && len(logs) == limit {
			break
		}
	}
	return logs, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return domain.Invalid("username", "is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByUsername[username]; exists {
		return fmt.Errorf("user %s: %w", username, domain.ErrConflict)
	}
	user.Username = username
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usersByUsername[username]
	if !ok {
		return fmt.Errorf("user %s: %w", username, domain.ErrNotFound)
	}
	u.Password = password
	s.usersByUsername[username] = u
	return nil
}

func (s *Store) stockMapLocked(kind string) (map[string]int, error) {
	switch kind {
	case domain.MovementVariant:
		return s.variantStock, nil
	case domain.MovementConsumable:
		return s.consumableStock, nil
	default:
		return nil, domain.Invalid("kind", fmt.Sprintf("unknown stock kind %q", kind))
	}
}

func cloneTemplate(t domain.Template) domain.Template {
	out := t
	out.Categories = make([]domain.ZoneCategory, len(t.Categories))
	for i, c := range t.Categories {
		c.Zones = append([]domain.Zone(nil), c.Zones...)
		out.Categories[i] = c
	}
	return out
}

func cloneSale(sale domain.Sale) domain.Sale {
	out := sale
	out.Lines = make([]domain.SaleLine, len(sale.Lines))
	for i, l := range sale.Lines {
		l.Zones = append([]domain.SaleLineZone(nil), l.Zones...)
		out.Lines[i] = l
	}
	out.Tenders = append([]domain.Tender(nil), sale.Tenders...)
	if sale.Customer != nil {
		c := *sale.Customer
		out.Customer = &c
	}
	return out
}
