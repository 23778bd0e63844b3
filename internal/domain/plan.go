package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Plan is a purchasable subscription plan. Key is the catalog name clients send
// ("monthly", "yearly"); PlanCode is the gateway-issued plan code.
type Plan struct {
	Key           string    `json:"key,omitempty"`
	PlanCode      string    `json:"planCode"`
	Name          string    `json:"name"`
	Amount        int64     `json:"amount"`
	DisplayAmount string    `json:"displayAmount"`
	Currency      string    `json:"currency"`
	Interval      Interval  `json:"interval"`
	Description   string    `json:"description,omitempty"`
	CreatedAt     time.Time `json:"createdAt,omitempty"`
}

// FormatMinorUnits renders an amount in kobo as a major-unit string, e.g. 500000 -> "5000.00".
func FormatMinorUnits(amount int64) string {
	return decimal.New(amount, -2).StringFixed(2)
}

// MajorToMinorUnits converts a major-unit amount string ("5000", "5000.50") to kobo.
func MajorToMinorUnits(raw string) (int64, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, err
	}
	return d.Shift(2).Round(0).IntPart(), nil
}
