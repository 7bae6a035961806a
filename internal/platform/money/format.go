// Package money renders amounts in the store's display currency.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// Formatter converts catalog prices into the display currency and prints them
// with locale-aware grouping.
type Formatter struct {
	printer *message.Printer
	unit    currency.Unit
	scale   int
	rate    decimal.Decimal
}

// NewFormatter builds a Formatter for the locale and ISO 4217 currency code.
// rate converts catalog prices into the display currency.
func NewFormatter(locale, code string, rate decimal.Decimal) (*Formatter, error) {
	tag, err := language.Parse(strings.TrimSpace(locale))
	if err != nil {
		return nil, fmt.Errorf("money: parse locale %q: %w", locale, err)
	}
	unit, err := currency.ParseISO(strings.TrimSpace(code))
	if err != nil {
		return nil, fmt.Errorf("money: parse currency %q: %w", code, err)
	}
	if !rate.IsPositive() {
		return nil, errors.New("money: conversion rate must be positive")
	}
	scale, _ := currency.Standard.Rounding(unit)
	return &Formatter{
		printer: message.NewPrinter(tag),
		unit:    unit,
		scale:   scale,
		rate:    rate,
	}, nil
}

// Currency returns the ISO code of the display currency.
func (f *Formatter) Currency() string { return f.unit.String() }

// Convert applies the conversion rate to a catalog price.
func (f *Formatter) Convert(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(f.rate)
}

// Format prints an amount already expressed in the display currency.
func (f *Formatter) Format(amount decimal.Decimal) string {
	value, _ := amount.Round(int32(f.scale)).Float64()
	return f.printer.Sprintf("%s %v", f.unit, number.Decimal(value, number.Scale(f.scale)))
}

// FormatConverted converts a catalog price and prints it.
func (f *Formatter) FormatConverted(amount decimal.Decimal) string {
	return f.Format(f.Convert(amount))
}
