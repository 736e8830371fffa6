package services

import (
	"fmt"
	"math"

	domain "github.com/meraki-bazaar/api/internal/domain"
)

// PricingEngine performs all monetary computation for checkout. Amounts that
// face the gateway are integer minor currency units; rounding is half-up.
type PricingEngine struct {
	defaultTaxRate float64
}

// NewPricingEngine constructs an engine with the given default tax rate
// (percentage applied to items that carry none).
func NewPricingEngine(defaultTaxRate float64) *PricingEngine {
	if defaultTaxRate < 0 || math.IsNaN(defaultTaxRate) || math.IsInf(defaultTaxRate, 0) {
		defaultTaxRate = 0
	}
	return &PricingEngine{defaultTaxRate: defaultTaxRate}
}

// DefaultTaxRate returns the rate applied when a cart item specifies none.
func (e *PricingEngine) DefaultTaxRate() float64 {
	return e.defaultTaxRate
}

// ToMinorUnits converts a major-unit amount to minor units, rounding half-up.
func (e *PricingEngine) ToMinorUnits(amount float64) int64 {
	return roundHalfUp(amount * 100)
}

// UnitAmountWithTax returns the tax-inclusive unit amount in minor units.
// The rounded value is authoritative: price creation must use it as-is so
// gateway-reported totals match locally computed ones.
func (e *PricingEngine) UnitAmountWithTax(price, taxRate float64) (int64, error) {
	gross := (price + price*taxRate/100) * 100
	if math.IsNaN(gross) || math.IsInf(gross, 0) {
		return 0, fmt.Errorf("%w: unit amount is not finite", ErrInvalidAmount)
	}
	amount := roundHalfUp(gross)
	if amount < 0 {
		return 0, fmt.Errorf("%w: unit amount is negative", ErrInvalidAmount)
	}
	return amount, nil
}

// ComputeTotals aggregates cart amounts in the scale of the supplied prices:
// price*qty, price*qty*taxRate/100, and deliveryCharge*qty summed over the
// cart. The function is additive over cart concatenation.
func (e *PricingEngine) ComputeTotals(items []domain.CartItem) (domain.CheckoutTotals, error) {
	var price, tax, delivery float64
	for _, item := range items {
		if err := e.validateItem(item); err != nil {
			return domain.CheckoutTotals{}, err
		}
		quantity := float64(item.Quantity)
		rate := e.taxRateFor(item)
		price += item.Price * quantity
		tax += item.Price * quantity * rate / 100
		delivery += item.DeliveryCharge * quantity
	}
	if math.IsNaN(price+tax+delivery) || math.IsInf(price+tax+delivery, 0) {
		return domain.CheckoutTotals{}, fmt.Errorf("%w: totals are not finite", ErrInvalidAmount)
	}
	return domain.CheckoutTotals{
		Price:          roundHalfUp(price),
		Tax:            roundHalfUp(tax),
		DeliveryCharge: roundHalfUp(delivery),
	}, nil
}

// NormalizeItems converts cart items into minor-unit checkout line items with
// the tax rate defaulted. It fails before any gateway call on bad input.
func (e *PricingEngine) NormalizeItems(items []domain.CartItem) ([]domain.CheckoutLineItem, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: cart is empty", ErrValidation)
	}

	normalized := make([]domain.CheckoutLineItem, 0, len(items))
	for _, item := range items {
		if err := e.validateItem(item); err != nil {
			return nil, err
		}
		rate := e.taxRateFor(item)
		unitAmount := e.ToMinorUnits(item.Price)
		withTax, err := e.UnitAmountWithTax(item.Price, rate)
		if err != nil {
			return nil, err
		}
		normalized = append(normalized, domain.CheckoutLineItem{
			ProductID:      item.ProductID,
			Name:           item.Name,
			Description:    item.Description,
			UnitAmount:     unitAmount,
			UnitAmountTax:  withTax - unitAmount,
			Quantity:       item.Quantity,
			TaxRate:        rate,
			DeliveryCharge: e.ToMinorUnits(item.DeliveryCharge),
			ImageURL:       item.ImageURL,
		})
	}
	return normalized, nil
}

// TotalsOf sums normalized line items into exact minor-unit totals. The order
// persisted later reuses these values, keeping total == subtotal + tax +
// delivery without re-rounding.
func (e *PricingEngine) TotalsOf(items []domain.CheckoutLineItem) domain.CheckoutTotals {
	var totals domain.CheckoutTotals
	for _, item := range items {
		totals.Price += item.UnitAmount * item.Quantity
		totals.Tax += item.UnitAmountTax * item.Quantity
		totals.DeliveryCharge += item.DeliveryCharge * item.Quantity
	}
	return totals
}

func (e *PricingEngine) validateItem(item domain.CartItem) error {
	if item.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive for %q", ErrValidation, item.ProductID)
	}
	if item.Price < 0 || math.IsNaN(item.Price) || math.IsInf(item.Price, 0) {
		return fmt.Errorf("%w: bad unit price for %q", ErrInvalidAmount, item.ProductID)
	}
	if item.DeliveryCharge < 0 || math.IsNaN(item.DeliveryCharge) || math.IsInf(item.DeliveryCharge, 0) {
		return fmt.Errorf("%w: bad delivery charge for %q", ErrInvalidAmount, item.ProductID)
	}
	if item.TaxRate != nil {
		rate := *item.TaxRate
		if rate < 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
			return fmt.Errorf("%w: bad tax rate for %q", ErrInvalidAmount, item.ProductID)
		}
	}
	return nil
}

func (e *PricingEngine) taxRateFor(item domain.CartItem) float64 {
	if item.TaxRate != nil {
		return *item.TaxRate
	}
	return e.defaultTaxRate
}

func roundHalfUp(value float64) int64 {
	return int64(math.Floor(value + 0.5))
}
