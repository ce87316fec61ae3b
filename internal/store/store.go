package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"labelpos/backend/internal/domain"
)

// Repository is the persistence contract. Implementations must make
// CreateSession an atomic check-and-set on register occupancy and CommitSale a
// single all-or-nothing unit covering stock, sale, tenders and session totals.
// Errors use the domain taxonomy (ErrNotFound, ErrConflict,
// ErrInsufficientStock, ErrValidation); anything else is fatal.
type Repository interface {
	// Catalog and stock.
	Resolve(ctx context.Context, code string) (domain.CatalogItem, error)
	GetVariant(ctx context.Context, id string) (*domain.Variant, error)
	GetTemplate(ctx context.Context, id string) (*domain.Template, error)
	GetStockLevels(ctx context.Context, kind string, ids []string) (map[string]int, error)
	ConsumablesFor(ctx context.Context, templateID string) ([]domain.RecipeComponent, error)

	// Registers and sessions.
	GetRegister(ctx context.Context, id string) (*domain.CashRegister, error)
	CreateSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error)
	GetSession(ctx context.Context, id string) (*domain.CashSession, error)
	GetOpenSessionByRegister(ctx context.Context, registerID string) (*domain.CashSession, error)
	CloseSession(ctx context.Context, id string, countedFloatCents *int64, notes string, closedAt time.Time) (*domain.CashSession, error)

	// Sales.
	CommitSale(ctx context.Context, sale domain.Sale, plan []domain.StockDecrement) (*domain.Sale, error)
	FindSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	FindSaleByIdempotency(ctx context.Context, key string) (*domain.Sale, error)
	ListSessionSales(ctx context.Context, sessionID string, limit int) ([]domain.Sale, error)
	ListStockMovements(ctx context.Context, saleID string) ([]domain.StockMovement, error)

	// Audit and users.
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// MergeDecrements folds duplicate (kind, item) entries together and sorts the
// result so every writer locks stock rows in the same order.
func MergeDecrements(plan []domain.StockDecrement) ([]domain.StockDecrement, error) {
	type key struct{ kind, id string }
	totals := make(map[key]int, len(plan))
	for _, d := range plan {
		if d.Kind != domain.MovementVariant && d.Kind != domain.MovementConsumable {
			return nil, domain.Invalid("kind", fmt.Sprintf("unknown stock kind %q", d.Kind))
		}
		if d.ItemID == "" || d.Quantity < 1 {
			return nil, domain.Invalid("quantity", fmt.Sprintf("invalid decrement for %s %q", d.Kind, d.ItemID))
		}
		totals[key{d.Kind, d.ItemID}] += d.Quantity
	}

	merged := make([]domain.StockDecrement, 0, len(totals))
	for k, qty := range totals {
		merged = append(merged, domain.StockDecrement{Kind: k.kind, ItemID: k.id, Quantity: qty})
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Kind != merged[j].Kind {
			return merged[i].Kind > merged[j].Kind
		}
		return merged[i].ItemID < merged[j].ItemID
	})
	return merged, nil
}

// ValidateSale checks the fields every store requires before writing.
func ValidateSale(sale domain.Sale) error {
	switch {
	case sale.ID == "":
		return domain.Invalid("id", "is required")
	case sale.OrderNumber == "":
		return domain.Invalid("orderNumber", "is required")
	case sale.SessionID == "":
		return domain.Invalid("sessionId", "is required")
	case len(sale.Lines) == 0:
		return domain.Invalid("lines", "a sale needs at least one line")
	case len(sale.Tenders) == 0:
		return domain.Invalid("tenders", "a sale needs at least one tender")
	case sale.TotalCents < 0:
		return domain.Invalid("totalCents", "must not be negative")
	}
	var tendered int64
	for _, t := range sale.Tenders {
		tendered += t.AmountCents
	}
	if tendered < sale.TotalCents {
		return &domain.UnderPaymentError{TotalCents: sale.TotalCents, TenderedCents: tendered}
	}
	return nil
}

// BuildableUnits is how many units the given recipe can still produce from
// stock, or domain.StockUnbounded when the recipe consumes nothing.
func BuildableUnits(recipe []domain.RecipeComponent, stock map[string]int) int {
	units := domain.StockUnbounded
	for _, component := range recipe {
		if component.QuantityPerUnit < 1 {
			continue
		}
		possible := stock[component.ConsumableID] / component.QuantityPerUnit
		if possible < 0 {
			possible = 0
		}
		if units == domain.StockUnbounded || possible < units {
			units = possible
		}
	}
	return units
}
