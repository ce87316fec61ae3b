package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	SessionStatusOpen   = "open"
	SessionStatusClosed = "closed"
)

const (
	ItemKindProduct  = "product"
	ItemKindTemplate = "template"
)

const (
	TenderCash     = "CASH"
	TenderCard     = "CARD"
	TenderTransfer = "TRANSFER"
	TenderMixed    = "MIXED"
)

const (
	MovementVariant    = "variant"
	MovementConsumable = "consumable"
)

const (
	RoleCashier = "cashier"
	RoleManager = "manager"
)

type CashRegister struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Location  string    `json:"location"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

type Variant struct {
	ID         string `json:"id"`
	SKU        string `json:"sku"`
	Barcode    string `json:"barcode,omitempty"`
	Name       string `json:"name"`
	PriceCents int64  `json:"priceCents"`
	Active     bool   `json:"active"`
}

type Zone struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PriceCents int64  `json:"priceCents"`
}

type ZoneCategory struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Required bool   `json:"required"`
	Zones    []Zone `json:"zones"`
}

type Template struct {
	ID             string         `json:"id"`
	Code           string         `json:"code"`
	Name           string         `json:"name"`
	BasePriceCents int64          `json:"basePriceCents"`
	Categories     []ZoneCategory `json:"categories"`
	Active         bool           `json:"active"`
}

// FindZone returns the zone with the given id together with its category.
func (t Template) FindZone(zoneID string) (ZoneCategory, Zone, bool) {
	for _, category := range t.Categories {
		for _, zone := range category.Zones {
			if zone.ID == zoneID {
				return category, zone, true
			}
		}
	}
	return ZoneCategory{}, Zone{}, false
}

type Consumable struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Unit string `json:"unit"`
}

type RecipeComponent struct {
	ConsumableID    string `json:"consumableId"`
	QuantityPerUnit int    `json:"quantityPerUnit"`
}

// StockUnbounded marks a template whose recipe consumes no tracked stock.
const StockUnbounded = -1

// CatalogItem is what a scanned or typed code resolves to. Stock is a
// point-in-time reading and is never authoritative at commit.
type CatalogItem struct {
	Kind     string    `json:"kind"`
	Variant  *Variant  `json:"variant,omitempty"`
	Template *Template `json:"template,omitempty"`
	Stock    int       `json:"stock"`
}

type Tender struct {
	Method      string `json:"method"`
	AmountCents int64  `json:"amountCents"`
	Reference   string `json:"reference,omitempty"`
}

type CustomerInfo struct {
	Reference string `json:"reference,omitempty"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

type SaleLineZone struct {
	CategoryID   string `json:"categoryId"`
	CategoryName string `json:"categoryName"`
	ZoneID       string `json:"zoneId"`
	ZoneName     string `json:"zoneName"`
	PriceCents   int64  `json:"priceCents"`
}

type SaleLine struct {
	LineNo         int            `json:"lineNo"`
	Kind           string         `json:"kind"`
	VariantID      string         `json:"variantId,omitempty"`
	TemplateID     string         `json:"templateId,omitempty"`
	Description    string         `json:"description"`
	Zones          []SaleLineZone `json:"zones,omitempty"`
	UnitPriceCents int64          `json:"unitPriceCents"`
	Quantity       int            `json:"quantity"`
	LineTotalCents int64          `json:"lineTotalCents"`
}

type Sale struct {
	ID             string          `json:"id"`
	OrderNumber    string          `json:"orderNumber"`
	SessionID      string          `json:"sessionId"`
	RegisterID     string          `json:"registerId"`
	CashierID      string          `json:"cashierId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Lines          []SaleLine      `json:"lines"`
	SubtotalCents  int64           `json:"subtotalCents"`
	DiscountCents  int64           `json:"discountCents"`
	TaxRate        decimal.Decimal `json:"taxRate"`
	TaxCents       int64           `json:"taxCents"`
	TotalCents     int64           `json:"totalCents"`
	PaymentMethod  string          `json:"paymentMethod"`
	TenderedCents  int64           `json:"tenderedCents"`
	ChangeCents    int64           `json:"changeCents"`
	Tenders        []Tender        `json:"tenders"`
	Customer       *CustomerInfo   `json:"customer,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// StockDecrement is one unit of stock a sale consumes. Quantity is positive.
type StockDecrement struct {
	Kind     string `json:"kind"`
	ItemID   string `json:"itemId"`
	Quantity int    `json:"quantity"`
}

type StockMovement struct {
	ID        string    `json:"id"`
	SaleID    string    `json:"saleId"`
	Kind      string    `json:"kind"`
	ItemID    string    `json:"itemId"`
	Quantity  int       `json:"quantity"`
	CreatedAt time.Time `json:"createdAt"`
}

type OpenSessionRequest struct {
	RegisterID        string `json:"registerId"`
	CashierID         string `json:"cashierId,omitempty"`
	OpeningFloatCents int64  `json:"openingFloatCents"`
}

type CloseSessionRequest struct {
	CountedFloatCents *int64 `json:"countedFloatCents"`
	Notes             string `json:"notes,omitempty"`
}

type SessionResponse struct {
	Session       CashSession `json:"session"`
	ExpectedCents int64       `json:"expectedCents"`
}

type AddProductRequest struct {
	Code      string `json:"code,omitempty"`
	VariantID string `json:"variantId,omitempty"`
	Quantity  int    `json:"quantity"`
}

type AddTemplateRequest struct {
	Code       string   `json:"code,omitempty"`
	TemplateID string   `json:"templateId,omitempty"`
	ZoneIDs    []string `json:"zoneIds"`
	Quantity   int      `json:"quantity"`
}

type UpdateQuantityRequest struct {
	Quantity int `json:"quantity"`
}

type SetDiscountRequest struct {
	DiscountCents int64 `json:"discountCents"`
}

type ScanRequest struct {
	Source string `json:"source"`
	Code   string `json:"code"`
}

type CommitSaleRequest struct {
	SessionID      string        `json:"sessionId"`
	Tenders        []Tender      `json:"tenders"`
	Customer       *CustomerInfo `json:"customer,omitempty"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty"`
}

type CommitSaleResponse struct {
	Sale        Sale  `json:"sale"`
	ChangeCents int64 `json:"changeCents"`
	Duplicate   bool  `json:"duplicate"`
}

type SaleCommittedEvent struct {
	SaleID      string    `json:"saleId"`
	OrderNumber string    `json:"orderNumber"`
	StoreID     string    `json:"storeId"`
	SessionID   string    `json:"sessionId"`
	RegisterID  string    `json:"registerId"`
	TotalCents  int64     `json:"totalCents"`
	Method      string    `json:"paymentMethod"`
	Lines       int       `json:"lines"`
	CommittedAt time.Time `json:"committedAt"`
}

type SessionClosedEvent struct {
	SessionID     string    `json:"sessionId"`
	StoreID       string    `json:"storeId"`
	RegisterID    string    `json:"registerId"`
	CashierID     string    `json:"cashierId"`
	SalesCount    int       `json:"salesCount"`
	SalesTotal    int64     `json:"salesTotalCents"`
	ExpectedCents int64     `json:"expectedCents"`
	VarianceCents int64     `json:"varianceCents"`
	ClosedAt      time.Time `json:"closedAt"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	StoreID       string    `json:"storeId"`
	ActorUsername string    `json:"actorUsername"`
	ActorRole     string    `json:"actorRole"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entityType"`
	EntityID      string    `json:"entityId"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"createdAt"`
}

type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"accessToken"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expiresAt"`
}
