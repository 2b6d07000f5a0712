package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/carebill/claimflow/claims"
	"github.com/carebill/claimflow/retry"
)

// The default actions log what a real deployment would send to a
// clearinghouse, practice-management system, and general ledger. Wire
// real implementations through claims.NewService in your own binary.

type stubGateway struct{}

func (g *stubGateway) SubmitClaim(ctx context.Context, claim claims.Claim) (claims.SubmissionResult, error) {
	slog.Info("submitting claim to payer",
		"claim_id", claim.ClaimID, "payer_id", claim.PayerID, "amount", claim.BilledAmount)
	return claims.SubmissionResult{
		SubmissionID: uuid.NewString(),
		PayerClaimID: "PAYER-" + claim.ClaimID,
	}, nil
}

func (g *stubGateway) CheckClaimStatus(ctx context.Context, claimID string) (claims.StatusInquiry, error) {
	slog.Info("querying payer for claim status", "claim_id", claimID)
	return claims.StatusInquiry{ClaimID: claimID, Status: "unknown"}, nil
}

func (g *stubGateway) RetrieveRemittance(ctx context.Context, transactionID string) (claims.Remittance, error) {
	slog.Info("retrieving remittance transaction", "transaction_id", transactionID)
	return claims.Remittance{}, retry.Fatalf("no payer network configured for transaction %s", transactionID)
}

type stubLedger struct {
	mu     sync.Mutex
	posted map[string]claims.Posting
}

func (l *stubLedger) PostRemittance(ctx context.Context, posting claims.Posting) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.posted == nil {
		l.posted = make(map[string]claims.Posting)
	}
	key := posting.ClaimID + ":" + posting.RemittanceID
	if _, ok := l.posted[key]; ok {
		return nil
	}
	l.posted[key] = posting
	slog.Info("posted remittance",
		"claim_id", posting.ClaimID, "remittance_id", posting.RemittanceID,
		"paid", posting.PaidAmount)
	return nil
}

type stubClaimStore struct {
	mu     sync.Mutex
	status map[string]claims.ClaimStatus
	claims map[string]claims.Claim
}

func (s *stubClaimStore) GetClaim(ctx context.Context, claimID string) (claims.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	claim, ok := s.claims[claimID]
	if !ok {
		return claims.Claim{}, fmt.Errorf("claim %s not found", claimID)
	}
	return claim, nil
}

func (s *stubClaimStore) SetStatus(ctx context.Context, claimID string, status claims.ClaimStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == nil {
		s.status = make(map[string]claims.ClaimStatus)
	}
	s.status[claimID] = status
	slog.Info("claim status updated", "claim_id", claimID, "status", status)
	return nil
}
