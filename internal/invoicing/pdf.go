package invoicing

import (
	"bytes"
	"fmt"

	"github.com/go-pdf/fpdf"

	"github.com/meraki-bazaar/api/internal/domain"
)

const (
	pdfMarginMM     = 15.0
	pdfPageWidthMM  = 210.0
	descColWidthMM  = 100.0
	qtyColWidthMM   = 30.0
	amtColWidthMM   = 50.0
	pdfLineHeightMM = 7.0
)

func (g *Generator) renderPDF(order domain.Order) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(pdfMarginMM, pdfMarginMM, pdfMarginMM)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.CellFormat(0, 10, "Meraki Bazaar", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 12)
	pdf.CellFormat(0, 7, "Tax Invoice", "", 1, "L", false, 0, "")

	y := pdf.GetY() + 2
	pdf.Line(pdfMarginMM, y, pdfPageWidthMM-pdfMarginMM, y)
	pdf.SetY(y + 4)

	pdf.SetFont("Helvetica", "", 10)
	meta := [][2]string{
		{"Invoice number", order.OrderNumber},
		{"Order id", order.ID},
		{"Billed to", g.buyerEmail(order)},
		{"Order date", order.CreatedAt.UTC().Format("02 Jan 2006")},
	}
	for _, row := range meta {
		pdf.CellFormat(40, 6, row[0], "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 6, row[1], "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(descColWidthMM, pdfLineHeightMM, "Description", "B", 0, "L", false, 0, "")
	pdf.CellFormat(qtyColWidthMM, pdfLineHeightMM, "Qty", "B", 0, "R", false, 0, "")
	pdf.CellFormat(amtColWidthMM, pdfLineHeightMM, "Amount", "B", 1, "R", false, 0, "")

	pdf.SetFont("Helvetica", "", 10)
	for _, item := range order.LineItems {
		pdf.CellFormat(descColWidthMM, pdfLineHeightMM, g.clean(item.Name), "", 0, "L", false, 0, "")
		pdf.CellFormat(qtyColWidthMM, pdfLineHeightMM, fmt.Sprintf("%d", item.Quantity), "", 0, "R", false, 0, "")
		pdf.CellFormat(amtColWidthMM, pdfLineHeightMM, g.FormatAmount(item.UnitPrice*item.Quantity, order.Currency), "", 1, "R", false, 0, "")
	}
	pdf.Ln(2)

	totals := [][2]string{
		{"Subtotal", g.FormatAmount(order.Subtotal, order.Currency)},
		{"Tax", g.FormatAmount(order.Tax, order.Currency)},
	}
	if order.DeliveryCharge > 0 {
		totals = append(totals, [2]string{"Delivery", g.FormatAmount(order.DeliveryCharge, order.Currency)})
	}
	for _, row := range totals {
		pdf.CellFormat(descColWidthMM+qtyColWidthMM, 6, row[0], "", 0, "R", false, 0, "")
		pdf.CellFormat(amtColWidthMM, 6, row[1], "", 1, "R", false, 0, "")
	}

	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(descColWidthMM+qtyColWidthMM, 8, "Grand total", "T", 0, "R", false, 0, "")
	pdf.CellFormat(amtColWidthMM, 8, g.FormatAmount(order.Total, order.Currency), "T", 1, "R", false, 0, "")

	pdf.Ln(10)
	pdf.SetFont("Helvetica", "I", 9)
	pdf.MultiCell(0, 5, textFooter, "", "L", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("invoicing: render pdf: %w", err)
	}
	return buf.Bytes(), nil
}
