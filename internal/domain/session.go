package domain

import (
	"fmt"
	"time"
)

// CashSession is one cashier's occupancy of a register. Closed sessions are
// history and reject every further transition.
type CashSession struct {
	ID                string     `json:"id"`
	RegisterID        string     `json:"registerId"`
	CashierID         string     `json:"cashierId"`
	OpeningFloatCents int64      `json:"openingFloatCents"`
	SalesCount        int        `json:"salesCount"`
	SalesTotalCents   int64      `json:"salesTotalCents"`
	ClosingFloatCents *int64     `json:"closingFloatCents,omitempty"`
	ExpectedCents     *int64     `json:"expectedCents,omitempty"`
	VarianceCents     *int64     `json:"varianceCents,omitempty"`
	Notes             string     `json:"notes,omitempty"`
	Status            string     `json:"status"`
	OpenedAt          time.Time  `json:"openedAt"`
	ClosedAt          *time.Time `json:"closedAt,omitempty"`
}

func NewCashSession(id string, registerID string, cashierID string, openingFloatCents int64, at time.Time) (CashSession, error) {
	if registerID == "" {
		return CashSession{}, Invalid("registerId", "is required")
	}
	if cashierID == "" {
		return CashSession{}, Invalid("cashierId", "is required")
	}
	if openingFloatCents < 0 {
		return CashSession{}, Invalid("openingFloatCents", "must not be negative")
	}
	return CashSession{
		ID:                id,
		RegisterID:        registerID,
		CashierID:         cashierID,
		OpeningFloatCents: openingFloatCents,
		Status:            SessionStatusOpen,
		OpenedAt:          at.UTC(),
	}, nil
}

func (s CashSession) IsOpen() bool {
	return s.Status == SessionStatusOpen
}

// ExpectedCashCents is the amount the drawer should hold right now.
func (s CashSession) ExpectedCashCents() int64 {
	return s.OpeningFloatCents + s.SalesTotalCents
}

// RecordSale applies a committed sale to the running totals. Callers invoke it
// only inside the same unit of work that persists the sale.
func (s *CashSession) RecordSale(totalCents int64) error {
	if !s.IsOpen() {
		return fmt.Errorf("session %s is %s: %w", s.ID, s.Status, ErrConflict)
	}
	if totalCents < 0 {
		return Invalid("totalCents", "must not be negative")
	}
	s.SalesCount++
	s.SalesTotalCents += totalCents
	return nil
}

// Close moves an open session to closed, recording the counted float and the
// variance against the expected drawer amount.
func (s *CashSession) Close(countedFloatCents *int64, notes string, at time.Time) error {
	if !s.IsOpen() {
		return fmt.Errorf("session %s is already %s: %w", s.ID, s.Status, ErrConflict)
	}
	if countedFloatCents == nil {
		return Invalid("countedFloatCents", "is required")
	}
	if *countedFloatCents < 0 {
		return Invalid("countedFloatCents", "must not be negative")
	}

	counted := *countedFloatCents
	expected := s.ExpectedCashCents()
	variance := counted - expected
	closedAt := at.UTC()

	s.ClosingFloatCents = &counted
	s.ExpectedCents = &expected
	s.VarianceCents = &variance
	s.Notes = notes
	s.Status = SessionStatusClosed
	s.ClosedAt = &closedAt
	return nil
}

// Clone returns a deep copy so stored sessions never share pointers with callers.
func (s CashSession) Clone() CashSession {
	out := s
	if s.ClosingFloatCents != nil {
		v := *s.ClosingFloatCents
		out.ClosingFloatCents = &v
	}
	if s.ExpectedCents != nil {
		v := *s.ExpectedCents
		out.ExpectedCents = &v
	}
	if s.VarianceCents != nil {
		v := *s.VarianceCents
		out.VarianceCents = &v
	}
	if s.ClosedAt != nil {
		v := *s.ClosedAt
		out.ClosedAt = &v
	}
	return out
}
