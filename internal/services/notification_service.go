package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	domain "github.com/meraki-bazaar/api/internal/domain"
	"github.com/meraki-bazaar/api/internal/mail"
)

// MessageSender is the outgoing email capability consumed by the dispatcher.
type MessageSender interface {
	Send(ctx context.Context, message mail.Message) error
}

// NotificationDispatcherDeps wires the invoice email dispatcher.
type NotificationDispatcherDeps struct {
	Sender MessageSender
	Logger func(context.Context, string, map[string]any)
}

// NotificationDispatcher emails rendered invoices to buyers. The PDF is
// spooled to a scratch file while the message is assembled; the file is
// removed on every exit path, success or failure.
type NotificationDispatcher struct {
	sender MessageSender
	logger func(context.Context, string, map[string]any)
}

// NewNotificationDispatcher validates dependencies and constructs the dispatcher.
func NewNotificationDispatcher(deps NotificationDispatcherDeps) (*NotificationDispatcher, error) {
	if deps.Sender == nil {
		return nil, errors.New("notification dispatcher: sender is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &NotificationDispatcher{sender: deps.Sender, logger: logger}, nil
}

// SendInvoice delivers the invoice text and PDF attachment to the buyer.
func (d *NotificationDispatcher) SendInvoice(ctx context.Context, order Order, invoice domain.Invoice, pdf []byte) error {
	to := strings.TrimSpace(invoice.BuyerEmail)
	if to == "" {
		return fmt.Errorf("%w: order %s has no buyer email", ErrValidation, order.ID)
	}
	if len(pdf) == 0 {
		return fmt.Errorf("%w: order %s has no invoice document", ErrValidation, order.ID)
	}

	scratch, err := os.CreateTemp("", "invoice-*.pdf")
	if err != nil {
		return fmt.Errorf("spool invoice: %w", err)
	}
	scratchPath := scratch.Name()
	defer func() {
		if removeErr := os.Remove(scratchPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			d.logger(ctx, "notification.scratch_cleanup_failed", map[string]any{
				"orderId": order.ID,
				"path":    scratchPath,
				"error":   removeErr.Error(),
			})
		}
	}()

	if _, err := scratch.Write(pdf); err != nil {
		_ = scratch.Close()
		return fmt.Errorf("spool invoice: %w", err)
	}
	if err := scratch.Close(); err != nil {
		return fmt.Errorf("spool invoice: %w", err)
	}
	attachment, err := os.ReadFile(scratchPath)
	if err != nil {
		return fmt.Errorf("read spooled invoice: %w", err)
	}

	message := mail.Message{
		To:      to,
		Subject: fmt.Sprintf("Your Meraki Bazaar order %s", order.OrderNumber),
		Body:    invoice.Text,
		Attachments: []mail.Attachment{{
			Filename:    invoice.Number + ".pdf",
			ContentType: "application/pdf",
			Data:        attachment,
		}},
	}
	if err := d.sender.Send(ctx, message); err != nil {
		return fmt.Errorf("send invoice for order %s: %w", order.ID, err)
	}

	d.logger(ctx, "notification.invoice_sent", map[string]any{
		"orderId":     order.ID,
		"orderNumber": order.OrderNumber,
		"to":          to,
	})
	return nil
}

var _ InvoiceMailer = (*NotificationDispatcher)(nil)
