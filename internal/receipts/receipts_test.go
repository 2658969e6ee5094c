package receipts

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MarcoPoloResearchLab/commune/internal/proposals"
)

func newTestIssuer(testContext *testing.T) *Issuer {
	testContext.Helper()
	issuer, err := NewIssuer(Config{
		SigningSecret: []byte("super-secret"),
		Clock:         func() time.Time { return time.Unix(1_700_000_000, 0) },
	})
	if err != nil {
		testContext.Fatalf("unexpected constructor error: %v", err)
	}
	return issuer
}

func signedProposal(testContext *testing.T, issuer *Issuer) proposals.Proposal {
	testContext.Helper()
	proposal := proposals.Proposal{
		ID:    "proposal-1",
		Files: proposals.FileSet{"src/App.tsx": "hello"},
	}
	receipt, err := issuer.Issue(proposal)
	if err != nil {
		testContext.Fatalf("expected successful issuance: %v", err)
	}
	proposal.Receipt = receipt
	return proposal
}

func TestIssuerIssuesReceiptClaims(testContext *testing.T) {
	issuer := newTestIssuer(testContext)
	proposal := signedProposal(testContext, issuer)

	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	_, err := parser.ParseWithClaims(proposal.Receipt, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		testContext.Fatalf("failed to parse receipt: %v", err)
	}
	if claims.Subject != "proposal-1" {
		testContext.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != DefaultIssuer {
		testContext.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if claims.Fingerprint != proposals.Fingerprint(proposal.Files) {
		testContext.Fatalf("unexpected fingerprint %s", claims.Fingerprint)
	}
}

func TestIssuerVerifiesMatchingReceipt(testContext *testing.T) {
	issuer := newTestIssuer(testContext)
	proposal := signedProposal(testContext, issuer)

	if err := issuer.Verify(proposal); err != nil {
		testContext.Fatalf("expected receipt to verify: %v", err)
	}
}

func TestIssuerRejectsTamperedProposal(testContext *testing.T) {
	issuer := newTestIssuer(testContext)

	testCases := []struct {
		name   string
		mutate func(*proposals.Proposal)
		want   error
	}{
		{name: "missing receipt", mutate: func(p *proposals.Proposal) { p.Receipt = "" }, want: ErrMissingReceipt},
		{name: "other id", mutate: func(p *proposals.Proposal) { p.ID = "proposal-2" }, want: ErrReceiptMismatch},
		{name: "edited files", mutate: func(p *proposals.Proposal) { p.Files["src/App.tsx"] = "evil" }, want: ErrReceiptMismatch},
		{name: "garbage", mutate: func(p *proposals.Proposal) { p.Receipt = "not-a-jwt" }, want: ErrReceiptMismatch},
	}

	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			proposal := signedProposal(t, issuer)
			testCase.mutate(&proposal)
			if err := issuer.Verify(proposal); !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func TestIssuerRejectsForeignSecret(testContext *testing.T) {
	issuer := newTestIssuer(testContext)
	proposal := signedProposal(testContext, issuer)

	other, err := NewIssuer(Config{SigningSecret: []byte("other-secret")})
	if err != nil {
		testContext.Fatalf("unexpected constructor error: %v", err)
	}
	if err := other.Verify(proposal); !errors.Is(err, ErrReceiptMismatch) {
		testContext.Fatalf("expected mismatch, got %v", err)
	}
}

func TestNewIssuerRequiresSecret(testContext *testing.T) {
	if _, err := NewIssuer(Config{}); !errors.Is(err, errMissingSigningSecret) {
		testContext.Fatalf("expected missing secret error, got %v", err)
	}
}
