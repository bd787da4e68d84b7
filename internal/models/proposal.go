package models

import "time"

// ProposalStatus is the lifecycle of a scored candidate snapshot.
type ProposalStatus string

const (
	// ProposalReady means the proposal is awaiting order placement.
	ProposalReady ProposalStatus = "READY"
	// ProposalConsumed means the proposal's order filled.
	ProposalConsumed ProposalStatus = "CONSUMED"
	// ProposalInvalidated means the proposal's order terminated without a fill.
	ProposalInvalidated ProposalStatus = "INVALIDATED"
)

// ProposalKind distinguishes entry proposals from exit proposals.
type ProposalKind string

const (
	ProposalEntry ProposalKind = "ENTRY"
	ProposalExit  ProposalKind = "EXIT"
)

// ComponentScores holds the normalized sub-scores behind a composite score.
type ComponentScores struct {
	IVR           float64 `json:"ivr"`
	VerticalSkew  float64 `json:"vertical_skew"`
	TermStructure float64 `json:"term_structure"`
	DeltaFitness  float64 `json:"delta_fitness"`
	EV            float64 `json:"ev"`
}

// Proposal is a persisted, scored candidate. CreditTarget is signed:
// positive for credit spreads, negative for debit spreads.
type Proposal struct {
	ID              string          `json:"id"`
	Symbol          string          `json:"symbol"`
	Expiration      string          `json:"expiration"` // YYYY-MM-DD
	ShortStrike     float64         `json:"short_strike"`
	LongStrike      float64         `json:"long_strike"`
	Width           int             `json:"width"`
	Quantity        int             `json:"quantity"`
	Strategy        Strategy        `json:"strategy"`
	CreditTarget    float64         `json:"credit_target"`
	Score           float64         `json:"score"`
	ComponentScores ComponentScores `json:"component_scores"`
	Status          ProposalStatus  `json:"status"`
	Kind            ProposalKind    `json:"kind"`
	LinkedTradeID   string          `json:"linked_trade_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}
