package invoicing

import (
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/meraki-bazaar/api/internal/domain"
)

const (
	textHeader = "MERAKI BAZAAR / TAX INVOICE"
	textFooter = "Thank you for shopping with Meraki Bazaar. For support write to support@merakibazaar.example."
)

// Rendered bundles the two invoice artifacts produced for one order.
type Rendered struct {
	Text string
	PDF  []byte
}

// Generator renders deterministic invoice artifacts from a persisted order.
// Gateway-supplied strings (product names, shipping name) are sanitised
// before they reach either artifact.
type Generator struct {
	policy  *bluemonday.Policy
	printer *message.Printer
}

// Option customises Generator construction.
type Option func(*Generator)

// WithLocale overrides the locale used for amount formatting.
func WithLocale(tag language.Tag) Option {
	return func(g *Generator) {
		g.printer = message.NewPrinter(tag)
	}
}

// NewGenerator constructs a Generator with strict string sanitisation.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		policy:  bluemonday.StrictPolicy(),
		printer: message.NewPrinter(language.English),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Render produces both invoice artifacts for the order.
func (g *Generator) Render(order domain.Order) (Rendered, error) {
	if order.ID == "" {
		return Rendered{}, errors.New("invoicing: order id is required")
	}
	if len(order.LineItems) == 0 {
		return Rendered{}, errors.New("invoicing: order has no line items")
	}

	text := g.renderText(order)
	pdf, err := g.renderPDF(order)
	if err != nil {
		return Rendered{}, err
	}
	return Rendered{Text: text, PDF: pdf}, nil
}

func (g *Generator) renderText(order domain.Order) string {
	var b strings.Builder

	b.WriteString(textHeader)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Invoice number:\t%s\n", order.OrderNumber)
	fmt.Fprintf(&b, "Order id:\t%s\n", order.ID)
	fmt.Fprintf(&b, "Billed to:\t%s\n", g.buyerEmail(order))
	fmt.Fprintf(&b, "Order date:\t%s\n", order.CreatedAt.UTC().Format("02 Jan 2006"))
	b.WriteString("\n")

	b.WriteString("Description\tQty\tAmount\n")
	for _, item := range order.LineItems {
		fmt.Fprintf(&b, "%s\t%d x %s\t%s\n",
			g.clean(item.Name),
			item.Quantity,
			g.FormatAmount(item.UnitPrice, order.Currency),
			g.FormatAmount(item.UnitPrice*item.Quantity, order.Currency),
		)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "Subtotal:\t%s\n", g.FormatAmount(order.Subtotal, order.Currency))
	fmt.Fprintf(&b, "Tax:\t%s\n", g.FormatAmount(order.Tax, order.Currency))
	if order.DeliveryCharge > 0 {
		fmt.Fprintf(&b, "Delivery:\t%s\n", g.FormatAmount(order.DeliveryCharge, order.Currency))
	}
	fmt.Fprintf(&b, "Grand total:\t%s\n", g.FormatAmount(order.Total, order.Currency))
	b.WriteString("\n")
	b.WriteString(textFooter)
	b.WriteString("\n")

	return b.String()
}

// FormatAmount renders a minor-unit amount as a currency string,
// e.g. 118000 / "inr" -> "INR 1,180.00".
func (g *Generator) FormatAmount(minor int64, currency string) string {
	code := strings.ToUpper(strings.TrimSpace(currency))
	if code == "" {
		code = "INR"
	}
	value := float64(minor) / 100
	return g.printer.Sprintf("%s %v", code,
		number.Decimal(value, number.MinFractionDigits(2), number.MaxFractionDigits(2)))
}

func (g *Generator) buyerEmail(order domain.Order) string {
	if order.Shipping != nil && order.Shipping.Email != "" {
		return g.clean(order.Shipping.Email)
	}
	return "unknown"
}

func (g *Generator) clean(value string) string {
	sanitized := g.policy.Sanitize(strings.TrimSpace(value))
	return strings.TrimSpace(html.UnescapeString(sanitized))
}
