// Package tender checks that proposed payments cover a sale total and works out change.
package tender

import (
	"strings"

	"labelpos/backend/internal/domain"
)

// Settlement is the validated outcome of a payment proposal.
type Settlement struct {
	Method        string          `json:"method"`
	Tenders       []domain.Tender `json:"tenders"`
	TenderedCents int64           `json:"tenderedCents"`
	ChangeCents   int64           `json:"changeCents"`
}

// Reconcile validates tenders against totalCents. It is a pure pre-check: an
// UnderPaymentError is returned before any persistence is attempted.
//
// Accepted shapes are a single CASH, CARD or TRANSFER tender, or a MIXED pair
// of one CASH and one CARD/TRANSFER component. Change is only ever paid in
// cash and equals max(0, tendered - total).
func Reconcile(totalCents int64, tenders []domain.Tender) (Settlement, error) {
	if totalCents < 0 {
		return Settlement{}, domain.Invalid("totalCents", "must not be negative")
	}
	normalized, err := normalize(tenders)
	if err != nil {
		return Settlement{}, err
	}

	switch len(normalized) {
	case 1:
		return single(totalCents, normalized[0])
	case 2:
		return mixed(totalCents, normalized[0], normalized[1])
	default:
		return Settlement{}, domain.Invalid("tenders", "must be one tender or a cash plus non-cash pair")
	}
}

func single(totalCents int64, t domain.Tender) (Settlement, error) {
	switch t.Method {
	case domain.TenderCash:
		if t.AmountCents < totalCents {
			return Settlement{}, &domain.UnderPaymentError{TotalCents: totalCents, TenderedCents: t.AmountCents}
		}
		return Settlement{
			Method:        domain.TenderCash,
			Tenders:       []domain.Tender{t},
			TenderedCents: t.AmountCents,
			ChangeCents:   t.AmountCents - totalCents,
		}, nil
	case domain.TenderCard, domain.TenderTransfer:
		// A card or transfer charge is for the total; an omitted amount means exactly that.
		if t.AmountCents == 0 {
			t.AmountCents = totalCents
		}
		if t.AmountCents < totalCents {
			return Settlement{}, &domain.UnderPaymentError{TotalCents: totalCents, TenderedCents: t.AmountCents}
		}
		if t.AmountCents > totalCents {
			return Settlement{}, domain.Invalid("amountCents", "must equal the total for "+strings.ToLower(t.Method))
		}
		return Settlement{
			Method:        t.Method,
			Tenders:       []domain.Tender{t},
			TenderedCents: t.AmountCents,
		}, nil
	default:
		return Settlement{}, domain.Invalid("method", "unsupported tender method "+t.Method)
	}
}

func mixed(totalCents int64, a domain.Tender, b domain.Tender) (Settlement, error) {
	cash, nonCash := a, b
	if cash.Method != domain.TenderCash {
		cash, nonCash = b, a
	}
	if cash.Method != domain.TenderCash || !isNonCash(nonCash.Method) {
		return Settlement{}, domain.Invalid("tenders", "mixed payment needs exactly one cash and one card or transfer component")
	}

	tendered := cash.AmountCents + nonCash.AmountCents
	if tendered < totalCents {
		return Settlement{}, &domain.UnderPaymentError{TotalCents: totalCents, TenderedCents: tendered}
	}
	return Settlement{
		Method:        domain.TenderMixed,
		Tenders:       []domain.Tender{cash, nonCash},
		TenderedCents: tendered,
		ChangeCents:   tendered - totalCents,
	}, nil
}

func normalize(tenders []domain.Tender) ([]domain.Tender, error) {
	if len(tenders) == 0 {
		return nil, domain.Invalid("tenders", "at least one tender is required")
	}
	out := make([]domain.Tender, 0, len(tenders))
	for _, t := range tenders {
		t.Method = strings.ToUpper(strings.TrimSpace(t.Method))
		t.Reference = strings.TrimSpace(t.Reference)
		if t.AmountCents < 0 {
			return nil, domain.Invalid("amountCents", "must not be negative")
		}
		if t.Method != domain.TenderCash && !isNonCash(t.Method) {
			return nil, domain.Invalid("method", "unsupported tender method "+t.Method)
		}
		out = append(out, t)
	}
	return out, nil
}

func isNonCash(method string) bool {
	return method == domain.TenderCard || method == domain.TenderTransfer
}
