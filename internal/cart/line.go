package cart

import "labelpos/backend/internal/domain"

// Line is a cart line. The set of implementations is closed to this package;
// consumers go through Match so every kind is handled at each call site.
type Line interface {
	LineRef() string
	Qty() int
	UnitPriceCents() int64
	Description() string
	isLine()
}

// ProductLine sells a concrete variant. StockSnapshot is the stock seen when
// the line was last touched and only drives quantity capping in the cart.
type ProductLine struct {
	Ref           string `json:"ref"`
	VariantID     string `json:"variantId"`
	SKU           string `json:"sku"`
	Name          string `json:"name"`
	PriceCents    int64  `json:"priceCents"`
	Quantity      int    `json:"quantity"`
	StockSnapshot int    `json:"stockSnapshot"`
}

func (l ProductLine) LineRef() string       { return l.Ref }
func (l ProductLine) Qty() int              { return l.Quantity }
func (l ProductLine) UnitPriceCents() int64 { return l.PriceCents }
func (l ProductLine) Description() string   { return l.Name }
func (ProductLine) isLine()                 {}

// Selection is one chosen zone on a template line.
type Selection struct {
	CategoryID   string `json:"categoryId"`
	CategoryName string `json:"categoryName"`
	ZoneID       string `json:"zoneId"`
	ZoneName     string `json:"zoneName"`
	PriceCents   int64  `json:"priceCents"`
}

// TemplateLine sells a customizable template with its zone selections, ordered
// as the template lists its categories.
type TemplateLine struct {
	Ref            string      `json:"ref"`
	TemplateID     string      `json:"templateId"`
	Name           string      `json:"name"`
	BasePriceCents int64       `json:"basePriceCents"`
	Selections     []Selection `json:"selections"`
	Quantity       int         `json:"quantity"`
}

func (l TemplateLine) LineRef() string { return l.Ref }
func (l TemplateLine) Qty() int        { return l.Quantity }

func (l TemplateLine) UnitPriceCents() int64 {
	price := l.BasePriceCents
	for _, s := range l.Selections {
		price += s.PriceCents
	}
	return price
}

func (l TemplateLine) Description() string {
	desc := l.Name
	for i, s := range l.Selections {
		if i == 0 {
			desc += " ("
		} else {
			desc += ", "
		}
		desc += s.CategoryName + ": " + s.ZoneName
	}
	if len(l.Selections) > 0 {
		desc += ")"
	}
	return desc
}

func (TemplateLine) isLine() {}

// Match dispatches on the line kind. Adding a line kind adds a parameter here,
// which breaks every caller until it handles the new kind.
func Match[T any](l Line, product func(ProductLine) T, template func(TemplateLine) T) T {
	switch v := l.(type) {
	case ProductLine:
		return product(v)
	case TemplateLine:
		return template(v)
	default:
		panic("cart: unknown line type")
	}
}

// SaleLine snapshots a cart line into its persisted form.
func SaleLine(no int, l Line) domain.SaleLine {
	base := domain.SaleLine{
		LineNo:         no,
		Description:    l.Description(),
		UnitPriceCents: l.UnitPriceCents(),
		Quantity:       l.Qty(),
		LineTotalCents: l.UnitPriceCents() * int64(l.Qty()),
	}
	return Match(l,
		func(p ProductLine) domain.SaleLine {
			base.Kind = domain.ItemKindProduct
			base.VariantID = p.VariantID
			return base
		},
		func(t TemplateLine) domain.SaleLine {
			base.Kind = domain.ItemKindTemplate
			base.TemplateID = t.TemplateID
			base.Zones = make([]domain.SaleLineZone, 0, len(t.Selections))
			for _, s := range t.Selections {
				base.Zones = append(base.Zones, domain.SaleLineZone{
					CategoryID:   s.CategoryID,
					CategoryName: s.CategoryName,
					ZoneID:       s.ZoneID,
					ZoneName:     s.ZoneName,
					PriceCents:   s.PriceCents,
				})
			}
			return base
		},
	)
}
