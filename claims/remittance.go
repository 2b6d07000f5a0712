package claims

import (
	"github.com/carebill/claimflow"
	"github.com/carebill/claimflow/retry"
)

// RemittanceWorkflow returns the remittance auto-posting workflow. It
// is event-triggered: the payer network announces a transaction by ID,
// and a fresh run retrieves the detail and posts it, so orphan
// remittances (claims submitted outside the engine, late replays)
// still reach the ledger.
func (s *Service) RemittanceWorkflow() claimflow.Workflow[RemittanceNotice, PostingResult] {
	return claimflow.DefineWorkflow(WorkflowRemittance, s.runPosting)
}

func (s *Service) runPosting(rc *claimflow.RunContext, notice RemittanceNotice) (PostingResult, error) {
	var zero PostingResult
	if notice.TransactionID == "" {
		return zero, retry.Fatalf("remittance notice missing transaction id")
	}

	remit, err := s.retrieveStep.Execute(rc, notice.TransactionID)
	if err != nil {
		return zero, err
	}
	if remit.RemittanceID == "" || remit.ClaimID == "" {
		return zero, retry.Fatalf("remittance for transaction %s missing identifiers", notice.TransactionID)
	}

	if _, err := s.postStep.Execute(rc, Posting{
		ClaimID:      remit.ClaimID,
		RemittanceID: remit.RemittanceID,
		PaidAmount:   remit.PaidAmount,
		Adjustments:  remit.Adjustments,
	}); err != nil {
		return zero, err
	}

	claim, err := s.getClaimStep.Execute(rc, remit.ClaimID)
	if err != nil {
		return zero, err
	}

	underpaid := covered(remit) < claim.BilledAmount
	status := ClaimPaid
	if underpaid {
		status = ClaimPartiallyPd
		if err := claimflow.Notify(rc, claimflow.NotificationRunReview, map[string]any{
			"claim_id":      remit.ClaimID,
			"remittance_id": remit.RemittanceID,
			"billed":        claim.BilledAmount,
			"covered":       covered(remit),
			"reason":        "underpayment",
		}); err != nil {
			return zero, err
		}
	}
	if _, err := s.statusStep.Execute(rc, statusChange{remit.ClaimID, status}); err != nil {
		return zero, err
	}

	return PostingResult{
		RemittanceID: remit.RemittanceID,
		ClaimID:      remit.ClaimID,
		PaidAmount:   remit.PaidAmount,
		Underpaid:    underpaid,
	}, nil
}
