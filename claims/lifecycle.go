package claims

import (
	"context"
	"errors"
	"time"

	"github.com/carebill/claimflow"
	"github.com/carebill/claimflow/retry"
)

const (
	// WorkflowLifecycle is the claim lifecycle workflow name.
	WorkflowLifecycle = "claim-lifecycle"
	// WorkflowRemittance is the remittance auto-posting workflow name.
	WorkflowRemittance = "remittance-posting"

	defaultAckTimeout   = 7 * 24 * time.Hour
	defaultRemitTimeout = 90 * 24 * time.Hour
)

// Service wires the billing workflows to their external actions.
type Service struct {
	gateway PayerGateway
	ledger  Ledger
	store   ClaimStore

	ackTimeout   time.Duration
	remitTimeout time.Duration

	validateStep *claimflow.Step[Claim, Claim]
	submitStep   *claimflow.Step[Claim, SubmissionResult]
	inquiryStep  *claimflow.Step[string, StatusInquiry]
	retrieveStep *claimflow.Step[string, Remittance]
	statusStep   *claimflow.Step[statusChange, struct{}]
	postStep     *claimflow.Step[Posting, struct{}]
	getClaimStep *claimflow.Step[string, Claim]
}

type statusChange struct {
	ClaimID string      `json:"claim_id"`
	Status  ClaimStatus `json:"status"`
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithAckTimeout bounds the wait for a payer acknowledgement.
// Default: 7 days.
func WithAckTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		s.ackTimeout = d
	}
}

// WithRemitTimeout bounds the wait for a remittance after acceptance.
// Default: 90 days.
func WithRemitTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		s.remitTimeout = d
	}
}

// NewService creates the billing workflow service.
func NewService(gateway PayerGateway, ledger Ledger, store ClaimStore, opts ...ServiceOption) *Service {
	s := &Service{
		gateway:      gateway,
		ledger:       ledger,
		store:        store,
		ackTimeout:   defaultAckTimeout,
		remitTimeout: defaultRemitTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.validateStep = claimflow.DefineStep("validate-claim", s.validateClaim,
		claimflow.WithRetryPolicy[Claim, Claim](retry.NoRetry()))
	s.submitStep = claimflow.DefineStep("submit-claim", s.gateway.SubmitClaim,
		claimflow.WithRetryPolicy[Claim, SubmissionResult](
			retry.Exponential(3, 500*time.Millisecond, 30*time.Second, 2.0)),
		claimflow.WithTransactional[Claim, SubmissionResult](false))
	s.inquiryStep = claimflow.DefineStep("check-claim-status", s.gateway.CheckClaimStatus,
		claimflow.WithRetryPolicy[string, StatusInquiry](
			retry.Exponential(3, 500*time.Millisecond, 30*time.Second, 2.0)),
		claimflow.WithTransactional[string, StatusInquiry](false))
	s.retrieveStep = claimflow.DefineStep("retrieve-remittance", s.gateway.RetrieveRemittance,
		claimflow.WithRetryPolicy[string, Remittance](
			retry.Exponential(3, 500*time.Millisecond, 30*time.Second, 2.0)),
		claimflow.WithTransactional[string, Remittance](false))
	s.statusStep = claimflow.DefineStep("set-claim-status", s.setStatus)
	s.postStep = claimflow.DefineStep("post-remittance", s.postRemittance,
		claimflow.WithRetryPolicy[Posting, struct{}](
			retry.Exponential(3, 500*time.Millisecond, 30*time.Second, 2.0)))
	s.getClaimStep = claimflow.DefineStep("get-claim", s.store.GetClaim,
		claimflow.WithTransactional[string, Claim](false))

	return s
}

// Register registers both billing workflows with the app. Remittance
// posting is event-triggered: an unclaimed remittance event starts a
// fresh run with the event payload as input.
func (s *Service) Register(app *claimflow.App) {
	claimflow.RegisterWorkflow(app, s.LifecycleWorkflow())
	claimflow.RegisterWorkflow(app, s.RemittanceWorkflow(),
		claimflow.WithTriggerEvent(EventRemittanceArrived))
}

// LifecycleWorkflow returns the claim lifecycle workflow definition.
func (s *Service) LifecycleWorkflow() claimflow.Workflow[Claim, LifecycleResult] {
	return claimflow.DefineWorkflow(WorkflowLifecycle, s.runLifecycle)
}

// runLifecycle is the claim lifecycle: validate, submit, wait for the
// payer's acknowledgement, then wait for the remittance and post it.
// Every branch that leaves the claim needing a human raises exactly one
// review notification.
func (s *Service) runLifecycle(rc *claimflow.RunContext, claim Claim) (LifecycleResult, error) {
	var zero LifecycleResult

	claim, err := s.validateStep.Execute(rc, claim)
	if err != nil {
		return zero, err
	}

	sub, err := s.submitStep.Execute(rc, claim)
	if err != nil {
		return zero, err
	}
	if _, err := s.statusStep.Execute(rc, statusChange{claim.ClaimID, ClaimSubmitted}); err != nil {
		return zero, err
	}

	ack, err := claimflow.WaitEvent[Acknowledgement](rc, EventClaimAck,
		claimflow.WithCorrelation("claim_id", claim.ClaimID),
		claimflow.WithWaitTimeout(s.ackTimeout))
	switch {
	case errors.Is(err, claimflow.ErrWaitTimeout):
		// The acknowledgement never came; ask the payer where the
		// claim stands so the review item carries its answer.
		inquiry, iqErr := s.inquiryStep.Execute(rc, claim.ClaimID)
		if iqErr != nil {
			return zero, iqErr
		}
		detail := "no acknowledgement from payer within " + s.ackTimeout.String()
		if inquiry.Status != "" {
			detail += "; payer reports " + inquiry.Status
		}
		return s.toReview(rc, claim, ClaimAckOverdue, claimflow.NotificationWaitExpiry, detail)
	case err != nil:
		return zero, err
	}

	if !ack.Accepted {
		// Rejections go to a human. Automatic resubmission is a
		// product decision that has not been made.
		return s.toReview(rc, claim, ClaimRejected, claimflow.NotificationRunReview,
			"payer rejected claim: "+ack.RejectionCode+" "+ack.Reason)
	}
	if _, err := s.statusStep.Execute(rc, statusChange{claim.ClaimID, ClaimAccepted}); err != nil {
		return zero, err
	}

	remit, err := claimflow.WaitEvent[Remittance](rc, EventClaimRemittance,
		claimflow.WithCorrelation("claim_id", claim.ClaimID),
		claimflow.WithWaitTimeout(s.remitTimeout))
	switch {
	case errors.Is(err, claimflow.ErrWaitTimeout):
		return s.toReview(rc, claim, ClaimRemitOverdue, claimflow.NotificationWaitExpiry,
			"no remittance within "+s.remitTimeout.String())
	case err != nil:
		return zero, err
	}

	if _, err := s.postStep.Execute(rc, Posting{
		ClaimID:      claim.ClaimID,
		RemittanceID: remit.RemittanceID,
		PaidAmount:   remit.PaidAmount,
		Adjustments:  remit.Adjustments,
	}); err != nil {
		return zero, err
	}

	status := ClaimPaid
	if covered(remit) < claim.BilledAmount {
		status = ClaimPartiallyPd
		if err := claimflow.Notify(rc, claimflow.NotificationRunReview, map[string]any{
			"claim_id":      claim.ClaimID,
			"remittance_id": remit.RemittanceID,
			"billed":        claim.BilledAmount,
			"covered":       covered(remit),
			"reason":        "underpayment",
		}); err != nil {
			return zero, err
		}
	}
	if _, err := s.statusStep.Execute(rc, statusChange{claim.ClaimID, status}); err != nil {
		return zero, err
	}

	return LifecycleResult{
		ClaimID:      claim.ClaimID,
		Status:       status,
		SubmissionID: sub.SubmissionID,
		PaidAmount:   remit.PaidAmount,
	}, nil
}

// toReview marks the claim, raises one review notification, and
// completes the run with the review status.
func (s *Service) toReview(rc *claimflow.RunContext, claim Claim, status ClaimStatus, kind, detail string) (LifecycleResult, error) {
	var zero LifecycleResult
	if _, err := s.statusStep.Execute(rc, statusChange{claim.ClaimID, status}); err != nil {
		return zero, err
	}
	if err := claimflow.Notify(rc, kind, map[string]any{
		"claim_id": claim.ClaimID,
		"status":   status,
		"detail":   detail,
	}); err != nil {
		return zero, err
	}
	return LifecycleResult{ClaimID: claim.ClaimID, Status: status, Detail: detail}, nil
}

func (s *Service) validateClaim(ctx context.Context, claim Claim) (Claim, error) {
	switch {
	case claim.ClaimID == "":
		return claim, retry.Fatalf("claim has no ID")
	case claim.PatientID == "":
		return claim, retry.Fatalf("claim %s has no patient", claim.ClaimID)
	case claim.PayerID == "":
		return claim, retry.Fatalf("claim %s has no payer", claim.ClaimID)
	case len(claim.ServiceCodes) == 0:
		return claim, retry.Fatalf("claim %s has no service codes", claim.ClaimID)
	case claim.BilledAmount <= 0:
		return claim, retry.Fatalf("claim %s has non-positive amount", claim.ClaimID)
	}
	return claim, nil
}

func (s *Service) setStatus(ctx context.Context, change statusChange) (struct{}, error) {
	return struct{}{}, s.store.SetStatus(ctx, change.ClaimID, change.Status)
}

func (s *Service) postRemittance(ctx context.Context, posting Posting) (struct{}, error) {
	return struct{}{}, s.ledger.PostRemittance(ctx, posting)
}

// covered is the billed amount accounted for by the remittance:
// payment plus all adjustment lines.
func covered(r Remittance) int64 {
	total := r.PaidAmount
	for _, adj := range r.Adjustments {
		total += adj.Amount
	}
	return total
}
