// Package receipts signs proposals built by the propose endpoint so the room
// coordinator can tell them apart from hand-crafted websocket submissions.
package receipts

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MarcoPoloResearchLab/commune/internal/proposals"
)

// DefaultIssuer names this server in the iss claim.
const DefaultIssuer = "commune-api"

var (
	errMissingSigningSecret = errors.New("receipts: signing secret must be provided")
	errMissingProposalID    = errors.New("receipts: proposal id must be provided")

	// ErrMissingReceipt indicates a proposal without a receipt.
	ErrMissingReceipt = errors.New("receipts: receipt missing")
	// ErrReceiptMismatch indicates a receipt issued for another proposal or other files.
	ErrReceiptMismatch = errors.New("receipts: receipt does not match proposal")
)

// Config configures an Issuer.
type Config struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// Claims binds a receipt to a proposal id and the fingerprint of its files.
type Claims struct {
	Fingerprint string `json:"fp"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies proposal receipts with HS256.
type Issuer struct {
	secret []byte
	issuer string
	clock  func() time.Time
}

// NewIssuer constructs an Issuer.
func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = DefaultIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Issuer{secret: cfg.SigningSecret, issuer: issuer, clock: clock}, nil
}

// Issue returns a signed receipt for the proposal.
func (i *Issuer) Issue(proposal proposals.Proposal) (string, error) {
	if strings.TrimSpace(proposal.ID) == "" {
		return "", errMissingProposalID
	}
	claims := Claims{
		Fingerprint: proposals.Fingerprint(proposal.Files),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  proposal.ID,
			Issuer:   i.issuer,
			IssuedAt: jwt.NewNumericDate(i.clock().UTC()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Verify checks that proposal.Receipt was issued by this server for exactly
// this proposal id and file set.
func (i *Issuer) Verify(proposal proposals.Proposal) error {
	if strings.TrimSpace(proposal.Receipt) == "" {
		return ErrMissingReceipt
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(
		proposal.Receipt,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.secret, nil
		},
		jwt.WithIssuer(i.issuer),
		jwt.WithSubject(proposal.ID),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReceiptMismatch, err)
	}
	if claims.Fingerprint != proposals.Fingerprint(proposal.Files) {
		return fmt.Errorf("%w: files changed after issuance", ErrReceiptMismatch)
	}
	return nil
}
