package domain

import (
	"encoding/json"
	"time"
)

// TimeLayout is the fixed-width UTC layout used for every persisted timestamp,
// so lexical order in SQL matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// Actor is a point-in-time copy of who performed an operation.
type Actor struct {
	ID        string `json:"id"`
	Email     string `json:"email,omitempty"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

type Event struct {
	Seq          int64           `json:"seq"`
	ID           string          `json:"id"`
	EventType    string          `json:"event_type"`
	Timestamp    string          `json:"timestamp" format:"date-time"`
	Actor        Actor           `json:"actor"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	ResourceName string          `json:"resource_name,omitempty"`
	Details      json.RawMessage `json:"details"`
	PreviousHash string          `json:"previous_hash"`
	EventHash    string          `json:"event_hash"`
}

type EventPage struct {
	Items   []Event `json:"items"`
	Total   int     `json:"total"`
	HasMore bool    `json:"has_more"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Event types written to the ledger.
const (
	EventSignatureInitiated   = "signature.initiated"
	EventSignatureCreated     = "signature.created"
	EventSignatureFailed      = "signature.failed"
	EventSignatureVerified    = "signature.verified"
	EventSignatureInvalidated = "signature.invalidated"
	EventAuditExported        = "audit.exported"
	EventRetentionPurged      = "ledger.retention_purged"
	EventAccountCreated       = "account.created"
	EventAPIKeyCreated        = "account.api_key_created"
	EventContentStored        = "content.stored"
)

type Meaning string

const (
	MeaningApproval       Meaning = "approval"
	MeaningReview         Meaning = "review"
	MeaningAuthorship     Meaning = "authorship"
	MeaningResponsibility Meaning = "responsibility"
	MeaningAcknowledgment Meaning = "acknowledgment"
)

var Meanings = []Meaning{
	MeaningApproval,
	MeaningReview,
	MeaningAuthorship,
	MeaningResponsibility,
	MeaningAcknowledgment,
}

func (m Meaning) Valid() bool {
	for _, known := range Meanings {
		if m == known {
			return true
		}
	}
	return false
}

// TargetRef points at the content a signature is bound to. Version is an
// opaque label supplied by the content owner.
type TargetRef struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Version string `json:"version,omitempty"`
}

func (t TargetRef) String() string {
	if t.Version == "" {
		return t.Type + "/" + t.ID
	}
	return t.Type + "/" + t.ID + "@" + t.Version
}

type Content struct {
	Title string
	Body  any
}

type Document struct {
	Target    TargetRef       `json:"target"`
	Title     string          `json:"title"`
	Body      json.RawMessage `json:"body"`
	UpdatedAt string          `json:"updated_at" format:"date-time"`
}

type Challenge struct {
	ID          string    `json:"id"`
	TokenHash   string    `json:"-"`
	UserID      string    `json:"user_id"`
	Meaning     Meaning   `json:"meaning"`
	Target      TargetRef `json:"target"`
	ContentHash string    `json:"content_hash"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   string    `json:"created_at" format:"date-time"`
	ExpiresAt   string    `json:"expires_at" format:"date-time"`
	Consumed    bool      `json:"consumed"`
	ConsumedAt  string    `json:"consumed_at,omitempty" format:"date-time"`
	SignatureID string    `json:"signature_id,omitempty"`
}

// Expired reports whether the challenge can no longer be completed at now.
func (c Challenge) Expired(now time.Time) bool {
	exp, err := ParseTime(c.ExpiresAt)
	if err != nil {
		return true
	}
	return now.After(exp)
}

// ChallengeGrant is returned once to the signer; Token is never persisted.
type ChallengeGrant struct {
	Challenge Challenge `json:"challenge"`
	Token     string    `json:"token"`
	Title     string    `json:"title"`
	Preview   string    `json:"preview"`
}

type Signer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Title string `json:"title,omitempty"`
}

type Signature struct {
	ID                  string    `json:"id"`
	Target              TargetRef `json:"target"`
	Signer              Signer    `json:"signer"`
	Meaning             Meaning   `json:"meaning"`
	Reason              string    `json:"reason,omitempty"`
	ContentHash         string    `json:"content_hash"`
	SignedAt            string    `json:"signed_at" format:"date-time"`
	TimeSource          string    `json:"time_source"`
	AuthMethod          string    `json:"auth_method"`
	ClientIP            string    `json:"client_ip,omitempty"`
	UserAgent           string    `json:"user_agent,omitempty"`
	PreviousSignatureID string    `json:"previous_signature_id,omitempty"`
	ChallengeID         string    `json:"challenge_id"`
	IsValid             bool      `json:"is_valid"`
	InvalidatedAt       string    `json:"invalidated_at,omitempty" format:"date-time"`
	InvalidatedBy       string    `json:"invalidated_by,omitempty"`
	InvalidationReason  string    `json:"invalidation_reason,omitempty"`
	CreatedAt           string    `json:"created_at" format:"date-time"`
}

type SignatureVerification struct {
	SignatureID        string     `json:"signature_id"`
	IsValid            bool       `json:"is_valid"`
	Signature          *Signature `json:"signature,omitempty"`
	ContentChecked     bool       `json:"content_checked"`
	CurrentContentHash string     `json:"current_content_hash,omitempty"`
	Issues             []string   `json:"issues"`
}

type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Title string `json:"title,omitempty"`
}

type Account struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Title     string `json:"title,omitempty"`
	Disabled  bool   `json:"disabled"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// RangeReport is the outcome of walking a slice of the chain. Tamper
// findings live here; they are never returned as errors.
type RangeReport struct {
	IsValid        bool   `json:"is_valid"`
	TotalEvents    int    `json:"total_events"`
	VerifiedCount  int    `json:"verified_count"`
	FirstInvalidID string `json:"first_invalid_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
	ChainHeadHash  string `json:"chain_head_hash"`
	ElapsedMillis  int64  `json:"elapsed_ms"`
	Partial        bool   `json:"partial"`
	Truncated      bool   `json:"truncated"`
	StartID        string `json:"start_id,omitempty"`
	EndID          string `json:"end_id,omitempty"`
}

type SingleReport struct {
	EventID        string   `json:"event_id"`
	IsValid        bool     `json:"is_valid"`
	HashValid      bool     `json:"hash_valid"`
	IsGenesis      bool     `json:"is_genesis"`
	PreviousLinked bool     `json:"previous_linked"`
	ComputedHash   string   `json:"computed_hash,omitempty"`
	Issues         []string `json:"issues"`
}

type LedgerStats struct {
	TotalEvents  int            `json:"total_events"`
	ByType       map[string]int `json:"by_type"`
	FirstEventAt string         `json:"first_event_at,omitempty"`
	LastEventAt  string         `json:"last_event_at,omitempty"`
	HeadHash     string         `json:"head_hash"`
	HasGenesis   bool           `json:"has_genesis"`
}

type SignatureCounts struct {
	Total   int `json:"total"`
	Valid   int `json:"valid"`
	Invalid int `json:"invalid"`
}

type ChallengeCounts struct {
	Pending  int `json:"pending"`
	Consumed int `json:"consumed"`
	Expired  int `json:"expired"`
}

type AuditStats struct {
	Ledger      LedgerStats     `json:"ledger"`
	Signatures  SignatureCounts `json:"signatures"`
	Challenges  ChallengeCounts `json:"challenges"`
	GeneratedAt string          `json:"generated_at" format:"date-time"`
}
