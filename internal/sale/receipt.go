package sale

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"pharmapos/internal/apperr"
	"pharmapos/internal/domain"
)

const receiptDateLayout = "02/01/2006 15:04"

type ReceiptLine struct {
	Code      string          `json:"code"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

// Receipt is a flat read-only projection of a sale for printing.
type Receipt struct {
	Title              string          `json:"title"`
	Currency           string          `json:"currency"`
	SaleNumber         string          `json:"sale_number"`
	SaleDate           string          `json:"sale_date"`
	SellerName         string          `json:"seller_name"`
	ClientName         string          `json:"client_name,omitempty"`
	Lines              []ReceiptLine   `json:"lines"`
	Subtotal           decimal.Decimal `json:"subtotal"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
	DiscountAmount     decimal.Decimal `json:"discount_amount"`
	Total              decimal.Decimal `json:"total"`
	PointsEarned       int             `json:"loyalty_points_earned"`
	ClientPoints       *int            `json:"client_points,omitempty"`
	Status             string          `json:"status"`
	PreviewText        string          `json:"preview_text"`
	EscposBase64       string          `json:"escpos_base64"`
}

func (e *Engine) Receipt(ctx context.Context, saleID int64) (Receipt, error) {
	sale, err := e.repo.GetSale(ctx, saleID)
	if err != nil {
		return Receipt{}, err
	}

	receipt := Receipt{
		Title:              e.cfg.ReceiptTitle,
		Currency:           e.cfg.CurrencySymbol,
		SaleNumber:         sale.Number,
		SaleDate:           sale.SoldAt.In(e.now().Location()).Format(receiptDateLayout),
		SellerName:         sale.CashierUsername,
		ClientName:         sale.CustomerName,
		Lines:              make([]ReceiptLine, 0, len(sale.Lines)),
		Subtotal:           sale.Subtotal,
		DiscountPercentage: sale.DiscountPercentage,
		DiscountAmount:     sale.DiscountAmount,
		Total:              sale.Total,
		PointsEarned:       sale.PointsEarned,
		Status:             sale.Status,
	}
	for _, line := range sale.Lines {
		receipt.Lines = append(receipt.Lines, ReceiptLine{
			Code:      line.MedicamentCode,
			Name:      line.MedicamentName,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			LineTotal: line.LineTotal,
		})
	}

	if sale.CustomerID != nil {
		customer, err := e.repo.GetCustomer(ctx, *sale.CustomerID)
		switch {
		case err == nil:
			points := customer.LoyaltyPoints
			receipt.ClientPoints = &points
			if receipt.ClientName == "" {
				receipt.ClientName = customer.FullName()
			}
		case errors.Is(err, apperr.NotFound):
		default:
			return Receipt{}, err
		}
	}

	text := renderReceipt(receipt)
	receipt.PreviewText = strings.Join(text, "\n")
	receipt.EscposBase64 = base64.StdEncoding.EncodeToString(escpos(text))
	return receipt, nil
}

func renderReceipt(r Receipt) []string {
	money := func(d decimal.Decimal) string {
		return d.StringFixed(2) + " " + r.Currency
	}

	lines := []string{
		r.Title,
		"================================",
		"Vente  : " + r.SaleNumber,
		"Date   : " + r.SaleDate,
		"Vendeur: " + r.SellerName,
	}
	if r.ClientName != "" {
		lines = append(lines, "Client : "+r.ClientName)
	}
	lines = append(lines, "--------------------------------")
	for _, line := range r.Lines {
		lines = append(lines, fmt.Sprintf("%s x%d", line.Name, line.Quantity))
		lines = append(lines, "  "+money(line.LineTotal))
	}
	lines = append(lines,
		"--------------------------------",
		"Sous-total: "+money(r.Subtotal),
	)
	if r.DiscountAmount.IsPositive() {
		lines = append(lines, fmt.Sprintf("Remise %s%%: -%s", r.DiscountPercentage.String(), money(r.DiscountAmount)))
	}
	lines = append(lines, "Total     : "+money(r.Total))
	if r.PointsEarned > 0 {
		lines = append(lines, fmt.Sprintf("Points gagnes: %d", r.PointsEarned))
	}
	if r.ClientPoints != nil {
		lines = append(lines, fmt.Sprintf("Solde points : %d", *r.ClientPoints))
	}
	if r.Status == domain.SaleStatusCancelled {
		lines = append(lines, "*** VENTE ANNULEE ***")
	}
	lines = append(lines, "================================", "Merci de votre visite", "")
	return lines
}

// escpos frames the text with printer init and a partial cut.
func escpos(lines []string) []byte {
	out := []byte{0x1b, 0x40}
	for _, line := range lines {
		out = append(out, line...)
		out = append(out, '\n')
	}
	return append(out, 0x1d, 0x56, 0x41, 0x10)
}
