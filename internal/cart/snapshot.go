package cart

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"labelpos/backend/internal/domain"
)

// LineSnapshot is the flat, serializable form of a Line.
type LineSnapshot struct {
	Ref            string      `json:"ref"`
	Kind           string      `json:"kind"`
	VariantID      string      `json:"variantId,omitempty"`
	SKU            string      `json:"sku,omitempty"`
	TemplateID     string      `json:"templateId,omitempty"`
	Name           string      `json:"name"`
	Description    string      `json:"description"`
	BasePriceCents int64       `json:"basePriceCents,omitempty"`
	Selections     []Selection `json:"selections,omitempty"`
	UnitPriceCents int64       `json:"unitPriceCents"`
	Quantity       int         `json:"quantity"`
	StockSnapshot  int         `json:"stockSnapshot,omitempty"`
	LineTotalCents int64       `json:"lineTotalCents"`
}

// Snapshot is what callers see after every cart operation and what cart
// stores persist between requests.
type Snapshot struct {
	ID        string         `json:"id"`
	Lines     []LineSnapshot `json:"lines"`
	Seq       int            `json:"seq"`
	Totals    Totals         `json:"totals"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

func (c *Cart) Snapshot() Snapshot {
	lines := make([]LineSnapshot, 0, len(c.lines))
	for _, l := range c.lines {
		ls := LineSnapshot{
			Ref:            l.LineRef(),
			Description:    l.Description(),
			UnitPriceCents: l.UnitPriceCents(),
			Quantity:       l.Qty(),
			LineTotalCents: l.UnitPriceCents() * int64(l.Qty()),
		}
		ls = Match(l,
			func(p ProductLine) LineSnapshot {
				ls.Kind = domain.ItemKindProduct
				ls.VariantID = p.VariantID
				ls.SKU = p.SKU
				ls.Name = p.Name
				ls.StockSnapshot = p.StockSnapshot
				return ls
			},
			func(t TemplateLine) LineSnapshot {
				ls.Kind = domain.ItemKindTemplate
				ls.TemplateID = t.TemplateID
				ls.Name = t.Name
				ls.BasePriceCents = t.BasePriceCents
				ls.Selections = append([]Selection(nil), t.Selections...)
				return ls
			},
		)
		lines = append(lines, ls)
	}
	return Snapshot{
		ID:        c.id,
		Lines:     lines,
		Seq:       c.seq,
		Totals:    c.totals,
		UpdatedAt: time.Now().UTC(),
	}
}

// Restore rebuilds a cart from a snapshot. Derived totals are recomputed, not
// trusted; taxRate is the rate currently configured.
func Restore(s Snapshot, taxRate decimal.Decimal) (*Cart, error) {
	c := &Cart{id: s.ID, taxRate: taxRate, seq: s.Seq}
	for _, ls := range s.Lines {
		if err := checkQuantity(ls.Quantity); err != nil {
			return nil, fmt.Errorf("cart %s line %s: %w", s.ID, ls.Ref, err)
		}
		switch ls.Kind {
		case domain.ItemKindProduct:
			c.lines = append(c.lines, ProductLine{
				Ref:           ls.Ref,
				VariantID:     ls.VariantID,
				SKU:           ls.SKU,
				Name:          ls.Name,
				PriceCents:    ls.UnitPriceCents,
				Quantity:      ls.Quantity,
				StockSnapshot: ls.StockSnapshot,
			})
		case domain.ItemKindTemplate:
			c.lines = append(c.lines, TemplateLine{
				Ref:            ls.Ref,
				TemplateID:     ls.TemplateID,
				Name:           ls.Name,
				BasePriceCents: ls.BasePriceCents,
				Selections:     append([]Selection(nil), ls.Selections...),
				Quantity:       ls.Quantity,
			})
		default:
			return nil, fmt.Errorf("cart %s line %s: unknown kind %q", s.ID, ls.Ref, ls.Kind)
		}
	}
	if _, err := Subtotal(c.lines); err != nil {
		return nil, fmt.Errorf("cart %s: %w", s.ID, err)
	}
	c.discount = s.Totals.DiscountCents
	c.recompute()
	return c, nil
}
