package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrUnderPayment      = errors.New("underpayment")
)

// ValidationError is a locally detected, recoverable input problem.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s: %s %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func Invalid(field string, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

type StockShortage struct {
	Kind      string `json:"kind"`
	ItemID    string `json:"itemId"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

type InsufficientStockError struct {
	Shortages []StockShortage `json:"shortages"`
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		parts = append(parts, fmt.Sprintf("%s %s requested=%d available=%d", s.Kind, s.ItemID, s.Requested, s.Available))
	}
	if len(parts) == 0 {
		return ErrInsufficientStock.Error()
	}
	return fmt.Sprintf("%s: %s", ErrInsufficientStock, strings.Join(parts, "; "))
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

type UnderPaymentError struct {
	TotalCents    int64 `json:"totalCents"`
	TenderedCents int64 `json:"tenderedCents"`
}

func (e *UnderPaymentError) Error() string {
	return fmt.Sprintf("%s: tendered %d of %d", ErrUnderPayment, e.TenderedCents, e.TotalCents)
}

func (e *UnderPaymentError) Unwrap() error {
	return ErrUnderPayment
}

func (e *UnderPaymentError) ShortfallCents() int64 {
	return e.TotalCents - e.TenderedCents
}
