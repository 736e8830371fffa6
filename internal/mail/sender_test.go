package mail

import (
	"context"
	"errors"
	"testing"

	gomail "github.com/wneessen/go-mail"
)

type stubDialer struct {
	sendFunc func(ctx context.Context, messages ...*gomail.Msg) error
	sent     []*gomail.Msg
}

func (s *stubDialer) DialAndSendWithContext(ctx context.Context, messages ...*gomail.Msg) error {
	s.sent = append(s.sent, messages...)
	if s.sendFunc != nil {
		return s.sendFunc(ctx, messages...)
	}
	return nil
}

func testSender(t *testing.T, dialer *stubDialer) *Sender {
	t.Helper()
	sender, err := NewSender(SenderConfig{
		From:   "orders@merakibazaar.example",
		Dialer: dialer,
	})
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	return sender
}

func TestSendDeliversMessageWithAttachment(t *testing.T) {
	dialer := &stubDialer{}
	sender := testSender(t, dialer)

	err := sender.Send(context.Background(), Message{
		To:      "asha@example.com",
		Subject: "Your order MB-2024-000042",
		Body:    "Invoice attached.",
		Attachments: []Attachment{
			{Filename: "MB-2024-000042.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4")},
		},
	})
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if len(dialer.sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(dialer.sent))
	}

	msg := dialer.sent[0]
	if got := msg.GetToString(); len(got) != 1 || got[0] != "<asha@example.com>" {
		t.Fatalf("unexpected recipients %v", got)
	}
	if attachments := msg.GetAttachments(); len(attachments) != 1 || attachments[0].Name != "MB-2024-000042.pdf" {
		t.Fatalf("unexpected attachments %+v", attachments)
	}
}

func TestSendRejectsMissingRecipient(t *testing.T) {
	sender := testSender(t, &stubDialer{})

	err := sender.Send(context.Background(), Message{Subject: "x", Body: "y"})
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestSendRejectsEmptyAttachment(t *testing.T) {
	sender := testSender(t, &stubDialer{})

	err := sender.Send(context.Background(), Message{
		To:          "asha@example.com",
		Subject:     "x",
		Attachments: []Attachment{{Filename: ""}},
	})
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestSendPropagatesDialFailure(t *testing.T) {
	dialer := &stubDialer{sendFunc: func(context.Context, ...*gomail.Msg) error {
		return errors.New("connection refused")
	}}
	sender := testSender(t, dialer)

	err := sender.Send(context.Background(), Message{To: "asha@example.com", Subject: "x"})
	if err == nil {
		t.Fatal("expected delivery error")
	}
}

func TestNewSenderRequiresFromAddress(t *testing.T) {
	if _, err := NewSender(SenderConfig{Dialer: &stubDialer{}}); err == nil {
		t.Fatal("expected error for missing from address")
	}
}
