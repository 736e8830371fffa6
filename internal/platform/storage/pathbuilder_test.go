package storage

import "testing"

func TestInvoiceObjectPath(t *testing.T) {
	path, err := InvoiceObjectPath("ord_01HX", "MB-2024-000001")
	if err != nil {
		t.Fatalf("InvoiceObjectPath returned error: %v", err)
	}
	if path != "orders/ord_01HX/invoices/MB-2024-000001.pdf" {
		t.Fatalf("unexpected path %q", path)
	}
}

func TestInvoiceObjectPathRejectsTraversal(t *testing.T) {
	cases := []struct {
		name          string
		orderID       string
		invoiceNumber string
	}{
		{"empty order", "", "MB-2024-000001"},
		{"empty invoice", "ord_1", ""},
		{"slash in order", "ord/1", "MB-2024-000001"},
		{"traversal in invoice", "ord_1", "../../etc/passwd"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := InvoiceObjectPath(tc.orderID, tc.invoiceNumber); err == nil {
				t.Fatalf("expected error for %q/%q", tc.orderID, tc.invoiceNumber)
			}
		})
	}
}
