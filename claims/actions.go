package claims

import "context"

// PayerGateway is the payer-network EDI client: claim submission,
// status inquiry, and remittance transaction retrieval.
type PayerGateway interface {
	// SubmitClaim transmits the claim. Transport failures should be
	// returned as plain errors so the step retries; validation
	// rejections should be wrapped with retry.Fatal.
	SubmitClaim(ctx context.Context, claim Claim) (SubmissionResult, error)

	// CheckClaimStatus queries the payer for a claim's current
	// adjudication status. Used when no acknowledgement arrived in
	// time, so the review item carries what the payer knows.
	CheckClaimStatus(ctx context.Context, claimID string) (StatusInquiry, error)

	// RetrieveRemittance fetches the full remittance detail for a
	// transaction the payer network announced.
	RetrieveRemittance(ctx context.Context, transactionID string) (Remittance, error)
}

// Ledger records payments and adjustments against patient accounts.
type Ledger interface {
	// PostRemittance applies a posting to the ledger. Must be
	// idempotent on (ClaimID, RemittanceID).
	PostRemittance(ctx context.Context, posting Posting) error
}

// ClaimStore tracks claim status in the surrounding billing system.
type ClaimStore interface {
	// GetClaim loads a claim by ID.
	GetClaim(ctx context.Context, claimID string) (Claim, error)

	// SetStatus records the claim's pipeline status.
	SetStatus(ctx context.Context, claimID string, status ClaimStatus) error
}
