package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/meraki-bazaar/api/internal/domain"
	"github.com/meraki-bazaar/api/internal/invoicing"
	"github.com/meraki-bazaar/api/internal/platform/storage"
)

// InvoiceServiceDeps wires the invoice issuer.
type InvoiceServiceDeps struct {
	Generator *invoicing.Generator
	Archive   InvoiceArchive
	Now       func() time.Time
	Logger    func(context.Context, string, map[string]any)
}

// InvoiceIssuer renders invoice artifacts for an order and archives the PDF
// durably. It runs on the fulfillment worker, off the webhook request path.
type InvoiceIssuer struct {
	generator *invoicing.Generator
	archive   InvoiceArchive
	now       func() time.Time
	logger    func(context.Context, string, map[string]any)
}

// NewInvoiceIssuer validates dependencies and constructs the issuer.
func NewInvoiceIssuer(deps InvoiceServiceDeps) (*InvoiceIssuer, error) {
	if deps.Generator == nil {
		return nil, errors.New("invoice issuer: generator is required")
	}
	if deps.Archive == nil {
		return nil, errors.New("invoice issuer: archive is required")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &InvoiceIssuer{
		generator: deps.Generator,
		archive:   deps.Archive,
		now:       func() time.Time { return now().UTC() },
		logger:    logger,
	}, nil
}

// Issue renders both invoice artifacts and uploads the PDF. The returned
// invoice carries the archive object path; the PDF bytes are handed back for
// email attachment without a second storage round-trip.
func (s *InvoiceIssuer) Issue(ctx context.Context, order Order) (domain.Invoice, []byte, error) {
	rendered, err := s.generator.Render(order)
	if err != nil {
		return domain.Invoice{}, nil, err
	}

	objectPath, err := storage.InvoiceObjectPath(order.ID, order.OrderNumber)
	if err != nil {
		return domain.Invoice{}, nil, fmt.Errorf("invoice path: %w", err)
	}
	storedPath, err := s.archive.Put(ctx, objectPath, "application/pdf", rendered.PDF)
	if err != nil {
		return domain.Invoice{}, nil, fmt.Errorf("archive invoice: %w", err)
	}

	buyerEmail := ""
	if order.Shipping != nil {
		buyerEmail = order.Shipping.Email
	}

	invoice := domain.Invoice{
		Number:      order.OrderNumber,
		OrderID:     order.ID,
		BuyerEmail:  buyerEmail,
		Text:        rendered.Text,
		StoragePath: storedPath,
		IssuedAt:    s.now(),
	}

	s.logger(ctx, "invoice.issued", map[string]any{
		"orderId":     order.ID,
		"orderNumber": order.OrderNumber,
		"storagePath": storedPath,
		"bucket":      s.archive.Bucket(),
	})
	return invoice, rendered.PDF, nil
}
