// Package claims defines the billing workflows: the claim lifecycle
// (submit, acknowledgement, remittance, posting) and event-triggered
// remittance auto-posting.
package claims

import "time"

// Event names the billing workflows wait on or are triggered by.
const (
	EventClaimAck          = "claim.ack"
	EventClaimRemittance   = "claim.remittance"
	EventRemittanceArrived = "remittance.received"
)

// ClaimStatus tracks a claim through the billing pipeline.
type ClaimStatus string

const (
	ClaimSubmitted    ClaimStatus = "submitted"
	ClaimAccepted     ClaimStatus = "accepted"
	ClaimRejected     ClaimStatus = "rejected"
	ClaimPaid         ClaimStatus = "paid"
	ClaimPartiallyPd  ClaimStatus = "partially_paid"
	ClaimDenied       ClaimStatus = "denied"
	ClaimNeedsReview  ClaimStatus = "needs_review"
	ClaimAckOverdue   ClaimStatus = "ack_overdue"
	ClaimRemitOverdue ClaimStatus = "remit_overdue"
)

// Claim is the billable claim a lifecycle run is started with.
// Amounts are in cents.
type Claim struct {
	ClaimID      string    `json:"claim_id"`
	PatientID    string    `json:"patient_id"`
	PayerID      string    `json:"payer_id"`
	ProviderID   string    `json:"provider_id"`
	ServiceCodes []string  `json:"service_codes"`
	BilledAmount int64     `json:"billed_amount"`
	ServiceDate  time.Time `json:"service_date"`
}

// SubmissionResult is the payer gateway's response to a submission.
type SubmissionResult struct {
	SubmissionID string `json:"submission_id"`
	PayerClaimID string `json:"payer_claim_id"`
}

// Acknowledgement is the payer's accept/reject response, delivered as
// a correlated event.
type Acknowledgement struct {
	ClaimID       string `json:"claim_id"`
	Accepted      bool   `json:"accepted"`
	RejectionCode string `json:"rejection_code,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// StatusInquiry is the payer's answer to a claim status query.
type StatusInquiry struct {
	ClaimID string `json:"claim_id"`
	Status  string `json:"status"`
	Detail  string `json:"detail,omitempty"`
}

// Adjustment is a claim adjustment line from a remittance: a group
// code (CO, PR, OA, PI) and a claim adjustment reason code.
type Adjustment struct {
	GroupCode  string `json:"group_code"`
	ReasonCode string `json:"reason_code"`
	Amount     int64  `json:"amount"`
}

// Remittance is a payer's payment advice for one claim.
type Remittance struct {
	RemittanceID string       `json:"remittance_id"`
	ClaimID      string       `json:"claim_id"`
	PaidAmount   int64        `json:"paid_amount"`
	Adjustments  []Adjustment `json:"adjustments"`
}

// RemittanceNotice is the inbound notification that a remittance
// transaction is available. It carries only the transaction ID; the
// posting run retrieves the detail from the payer network.
type RemittanceNotice struct {
	TransactionID string `json:"transaction_id"`
}

// Posting is the ledger entry derived from a remittance.
type Posting struct {
	ClaimID      string       `json:"claim_id"`
	RemittanceID string       `json:"remittance_id"`
	PaidAmount   int64        `json:"paid_amount"`
	Adjustments  []Adjustment `json:"adjustments"`
}

// LifecycleResult is the output of a completed lifecycle run.
type LifecycleResult struct {
	ClaimID      string      `json:"claim_id"`
	Status       ClaimStatus `json:"status"`
	SubmissionID string      `json:"submission_id,omitempty"`
	PaidAmount   int64       `json:"paid_amount,omitempty"`
	Detail       string      `json:"detail,omitempty"`
}

// PostingResult is the output of a remittance auto-posting run.
type PostingResult struct {
	RemittanceID string `json:"remittance_id"`
	ClaimID      string `json:"claim_id"`
	PaidAmount   int64  `json:"paid_amount"`
	Underpaid    bool   `json:"underpaid"`
}
