// Package cart holds the in-progress sale: product and template lines with
// derived subtotal, discount, tax and total.
//
// A Cart is a plain value owned by one operator at a time. Every mutation is
// validated first; a rejected mutation leaves the cart exactly as it was.
package cart

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"labelpos/backend/internal/domain"
)

const (
	// MaxLineQuantity bounds the units on a single line.
	MaxLineQuantity = 9999
	// MaxSubtotalCents bounds a cart subtotal so totals and tax stay exact in
	// int64 for any tax rate below 1.
	MaxSubtotalCents int64 = 1_000_000_000_000_000
)

type Totals struct {
	SubtotalCents int64           `json:"subtotalCents"`
	DiscountCents int64           `json:"discountCents"`
	TaxableCents  int64           `json:"taxableCents"`
	TaxRate       decimal.Decimal `json:"taxRate"`
	TaxCents      int64           `json:"taxCents"`
	TotalCents    int64           `json:"totalCents"`
}

type Cart struct {
	id       string
	taxRate  decimal.Decimal
	lines    []Line
	discount int64
	seq      int
	totals   Totals
}

// AddResult reports where a product landed and whether the quantity was cut
// down to the known stock.
type AddResult struct {
	Ref      string `json:"ref"`
	Quantity int    `json:"quantity"`
	Capped   bool   `json:"capped"`
}

func New(id string, taxRate decimal.Decimal) *Cart {
	c := &Cart{id: id, taxRate: taxRate}
	c.recompute()
	return c
}

func (c *Cart) ID() string {
	return c.id
}

func (c *Cart) TaxRate() decimal.Decimal {
	return c.taxRate
}

func (c *Cart) Totals() Totals {
	return c.totals
}

func (c *Cart) IsEmpty() bool {
	return len(c.lines) == 0
}

// Lines returns the lines in insertion order.
func (c *Cart) Lines() []Line {
	out := make([]Line, len(c.lines))
	for i, l := range c.lines {
		out[i] = cloneLine(l)
	}
	return out
}

func (c *Cart) Line(ref string) (Line, bool) {
	idx := c.indexOf(ref)
	if idx < 0 {
		return nil, false
	}
	return cloneLine(c.lines[idx]), true
}

// AddProductLine adds quantity units of v, merging into an existing line for
// the same variant. The line is capped at stockSnapshot; if nothing can be
// added the call is rejected.
func (c *Cart) AddProductLine(v domain.Variant, stockSnapshot int, quantity int) (AddResult, error) {
	if err := checkQuantity(quantity); err != nil {
		return AddResult{}, err
	}
	if v.ID == "" {
		return AddResult{}, domain.Invalid("variantId", "is required")
	}
	if !v.Active {
		return AddResult{}, domain.Invalid("variantId", "is not for sale")
	}
	if v.PriceCents < 0 {
		return AddResult{}, domain.Invalid("priceCents", "must not be negative")
	}
	if stockSnapshot < 0 {
		stockSnapshot = 0
	}

	idx := -1
	current := 0
	for i, l := range c.lines {
		if p, ok := l.(ProductLine); ok && p.VariantID == v.ID {
			idx = i
			current = p.Quantity
			break
		}
	}

	limit := stockSnapshot
	if limit > MaxLineQuantity {
		limit = MaxLineQuantity
	}
	room := limit - current
	if room < 1 {
		if current >= MaxLineQuantity {
			return AddResult{}, domain.Invalid("quantity", fmt.Sprintf("%s is already at %d units", v.SKU, MaxLineQuantity))
		}
		return AddResult{}, domain.Invalid("quantity", fmt.Sprintf("no stock left for %s", v.SKU))
	}
	capped := false
	if quantity > room {
		quantity = room
		capped = true
	}

	if idx >= 0 {
		p := c.lines[idx].(ProductLine)
		p.Quantity += quantity
		p.StockSnapshot = stockSnapshot
		p.PriceCents = v.PriceCents
		next := c.cloneLines()
		next[idx] = p
		if err := c.replace(next, false); err != nil {
			return AddResult{}, err
		}
		return AddResult{Ref: p.Ref, Quantity: p.Quantity, Capped: capped}, nil
	}

	line := ProductLine{
		Ref:           c.peekRef(),
		VariantID:     v.ID,
		SKU:           v.SKU,
		Name:          v.Name,
		PriceCents:    v.PriceCents,
		Quantity:      quantity,
		StockSnapshot: stockSnapshot,
	}
	if err := c.replace(append(c.cloneLines(), line), true); err != nil {
		return AddResult{}, err
	}
	return AddResult{Ref: line.Ref, Quantity: line.Quantity, Capped: capped}, nil
}

// AddTemplateLine appends a new template line for the chosen zones. Template
// lines are never merged, even when the selection repeats.
func (c *Cart) AddTemplateLine(t domain.Template, zoneIDs []string, quantity int) (string, error) {
	if err := checkQuantity(quantity); err != nil {
		return "", err
	}
	if t.ID == "" {
		return "", domain.Invalid("templateId", "is required")
	}
	if !t.Active {
		return "", domain.Invalid("templateId", "is not for sale")
	}
	selections, err := selectZones(t, zoneIDs)
	if err != nil {
		return "", err
	}

	line := TemplateLine{
		Ref:            c.peekRef(),
		TemplateID:     t.ID,
		Name:           t.Name,
		BasePriceCents: t.BasePriceCents,
		Selections:     selections,
		Quantity:       quantity,
	}
	if err := c.replace(append(c.cloneLines(), line), true); err != nil {
		return "", err
	}
	return line.Ref, nil
}

// UpdateQuantity sets a line's quantity. Values below 1 are rejected; product
// lines are clamped to their stock snapshot.
func (c *Cart) UpdateQuantity(ref string, quantity int) error {
	idx := c.indexOf(ref)
	if idx < 0 {
		return fmt.Errorf("cart line %s: %w", ref, domain.ErrNotFound)
	}
	if err := checkQuantity(quantity); err != nil {
		return err
	}

	updated, err := Match(c.lines[idx],
		func(p ProductLine) lineResult {
			if quantity > p.StockSnapshot {
				quantity = p.StockSnapshot
			}
			if quantity < 1 {
				return lineResult{err: domain.Invalid("quantity", fmt.Sprintf("no stock left for %s", p.SKU))}
			}
			p.Quantity = quantity
			return lineResult{line: p}
		},
		func(t TemplateLine) lineResult {
			t.Quantity = quantity
			return lineResult{line: t}
		},
	).unpack()
	if err != nil {
		return err
	}
	next := c.cloneLines()
	next[idx] = updated
	return c.replace(next, false)
}

func (c *Cart) RemoveLine(ref string) error {
	idx := c.indexOf(ref)
	if idx < 0 {
		return fmt.Errorf("cart line %s: %w", ref, domain.ErrNotFound)
	}
	c.lines = append(c.lines[:idx], c.lines[idx+1:]...)
	c.recompute()
	return nil
}

// SetDiscount applies a whole-cart discount in minor units.
func (c *Cart) SetDiscount(amountCents int64) error {
	if amountCents < 0 {
		return domain.Invalid("discountCents", "must not be negative")
	}
	if amountCents > c.totals.SubtotalCents {
		return domain.Invalid("discountCents", "must not exceed the subtotal")
	}
	c.discount = amountCents
	c.recompute()
	return nil
}

func (c *Cart) Clear() {
	c.lines = nil
	c.discount = 0
	c.recompute()
}

// Tax is taxable × rate, rounded half away from zero to whole minor units.
func Tax(taxableCents int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(taxableCents).Mul(rate).Round(0).IntPart()
}

// replace swaps in a new line set once its subtotal is known to be in range.
// newRef reports whether the set carries the ref handed out by peekRef.
func (c *Cart) replace(lines []Line, newRef bool) error {
	if _, err := Subtotal(lines); err != nil {
		return err
	}
	c.lines = lines
	if newRef {
		c.seq++
	}
	c.recompute()
	return nil
}

// recompute derives totals. Lines only get in through replace or Restore,
// both of which bound the subtotal first.
func (c *Cart) recompute() {
	var subtotal int64
	for _, l := range c.lines {
		subtotal += l.UnitPriceCents() * int64(l.Qty())
	}
	// A removed or shrunk line can leave the discount above the new subtotal.
	if c.discount > subtotal {
		c.discount = subtotal
	}
	if c.discount < 0 {
		c.discount = 0
	}
	taxable := subtotal - c.discount
	tax := Tax(taxable, c.taxRate)
	c.totals = Totals{
		SubtotalCents: subtotal,
		DiscountCents: c.discount,
		TaxableCents:  taxable,
		TaxRate:       c.taxRate,
		TaxCents:      tax,
		TotalCents:    taxable + tax,
	}
}

func (c *Cart) indexOf(ref string) int {
	for i, l := range c.lines {
		if l.LineRef() == ref {
			return i
		}
	}
	return -1
}

func (c *Cart) peekRef() string {
	return "L" + strconv.Itoa(c.seq+1)
}

func (c *Cart) cloneLines() []Line {
	return append(make([]Line, 0, len(c.lines)+1), c.lines...)
}

func checkQuantity(quantity int) error {
	if quantity < 1 {
		return domain.Invalid("quantity", "must be at least 1")
	}
	if quantity > MaxLineQuantity {
		return domain.Invalid("quantity", fmt.Sprintf("must be at most %d", MaxLineQuantity))
	}
	return nil
}

// LineTotal is unit price × quantity, rejected when it leaves the cart range.
func LineTotal(l Line) (int64, error) {
	unit := l.UnitPriceCents()
	qty := int64(l.Qty())
	if unit < 0 || unit > MaxSubtotalCents {
		return 0, domain.Invalid("priceCents", fmt.Sprintf("unit price of %s is out of range", l.LineRef()))
	}
	if unit > 0 && qty > MaxSubtotalCents/unit {
		return 0, domain.Invalid("quantity", fmt.Sprintf("line %s total exceeds %d", l.LineRef(), MaxSubtotalCents))
	}
	return unit * qty, nil
}

// Subtotal sums line totals without leaving [0, MaxSubtotalCents].
func Subtotal(lines []Line) (int64, error) {
	var subtotal int64
	for _, l := range lines {
		total, err := LineTotal(l)
		if err != nil {
			return 0, err
		}
		if total > MaxSubtotalCents-subtotal {
			return 0, domain.Invalid("quantity", fmt.Sprintf("cart subtotal exceeds %d", MaxSubtotalCents))
		}
		subtotal += total
	}
	return subtotal, nil
}

func selectZones(t domain.Template, zoneIDs []string) ([]Selection, error) {
	chosen := make(map[string]Selection, len(zoneIDs))
	for _, zoneID := range zoneIDs {
		category, zone, ok := t.FindZone(zoneID)
		if !ok {
			return nil, domain.Invalid("zoneIds", fmt.Sprintf("zone %s is not part of %s", zoneID, t.Name))
		}
		if _, dup := chosen[category.ID]; dup {
			return nil, domain.Invalid("zoneIds", fmt.Sprintf("only one zone may be selected for %s", category.Name))
		}
		chosen[category.ID] = Selection{
			CategoryID:   category.ID,
			CategoryName: category.Name,
			ZoneID:       zone.ID,
			ZoneName:     zone.Name,
			PriceCents:   zone.PriceCents,
		}
	}

	selections := make([]Selection, 0, len(chosen))
	for _, category := range t.Categories {
		sel, ok := chosen[category.ID]
		if !ok {
			if category.Required {
				return nil, domain.Invalid("zoneIds", fmt.Sprintf("%s requires a selection", category.Name))
			}
			continue
		}
		selections = append(selections, sel)
	}
	return selections, nil
}

func cloneLine(l Line) Line {
	return Match(l,
		func(p ProductLine) Line { return p },
		func(t TemplateLine) Line {
			t.Selections = append([]Selection(nil), t.Selections...)
			return t
		},
	)
}

type lineResult struct {
	line Line
	err  error
}

func (r lineResult) unpack() (Line, error) {
	return r.line, r.err
}
