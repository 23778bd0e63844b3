package domain

// ReconcileSummary reports the outcome of one stale-pending reconciliation sweep.
type ReconcileSummary struct {
	Checked   int `json:"checked"`
	Activated int `json:"activated"`
	Expired   int `json:"expired"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}
