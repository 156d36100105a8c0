package billing

import "time"

// Outcome is the result class of reconciling one user
type Outcome string

const (
	OutcomeNoSubscription  Outcome = "no_subscription"
	OutcomeWithinAllowance Outcome = "within_allowance"
	OutcomeCharged         Outcome = "charged"
	OutcomeChargeFailed    Outcome = "charge_failed"
)

// Result describes the reconciliation of one user
type Result struct {
	UserID        string  `json:"user_id"`
	Outcome       Outcome `json:"outcome"`
	OverageTokens int64   `json:"overage_tokens"`
	AmountCents   int64   `json:"amount_cents"`
	InvoiceID     string  `json:"invoice_id,omitempty"`
	PeriodIDs     []int64 `json:"period_ids,omitempty"`
	Reason        string  `json:"reason,omitempty"`
}

// Failure records a user whose reconciliation did not settle
type Failure struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// Summary aggregates the outcomes of one billing cycle run
type Summary struct {
	RunID           string    `json:"run_id"`
	Cutoff          time.Time `json:"cutoff"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	PeriodsRolled   int       `json:"periods_rolled"`
	Total           int       `json:"total"`
	Charged         int       `json:"charged"`
	WithinAllowance int       `json:"within_allowance"`
	NoSubscription  int       `json:"no_subscription"`
	Failed          int       `json:"failed"`
	ChargedCents    int64     `json:"charged_cents"`
	Failures        []Failure `json:"failures,omitempty"`
}

// Counts returns the per-outcome user counts keyed by outcome label
func (s *Summary) Counts() map[string]int {
	return map[string]int{
		string(OutcomeCharged):         s.Charged,
		string(OutcomeWithinAllowance): s.WithinAllowance,
		string(OutcomeNoSubscription):  s.NoSubscription,
		"failed":                       s.Failed,
	}
}

func (s *Summary) add(userID string, result *Result, err error) {
	s.Total++
	if err != nil {
		s.Failed++
		s.Failures = append(s.Failures, Failure{UserID: userID, Reason: err.Error()})
		return
	}

	switch result.Outcome {
	case OutcomeCharged:
		s.Charged++
		s.ChargedCents += result.AmountCents
	case OutcomeWithinAllowance:
		s.WithinAllowance++
	case OutcomeNoSubscription:
		s.NoSubscription++
	case OutcomeChargeFailed:
		s.Failed++
		s.Failures = append(s.Failures, Failure{UserID: userID, Reason: result.Reason})
	}
}
