package server

import (
	"attestline/internal/domain"
)

// Request payloads

type TargetRequest struct {
	Type    string `json:"type" minLength:"1"`
	ID      string `json:"id" minLength:"1"`
	Version string `json:"version,omitempty"`
}

func (t TargetRequest) ref() domain.TargetRef {
	return domain.TargetRef{Type: t.Type, ID: t.ID, Version: t.Version}
}

type InitiateSignatureRequest struct {
	Meaning string        `json:"meaning" enum:"approval,review,authorship,responsibility,acknowledgment"`
	Target  TargetRequest `json:"target"`
	Reason  string        `json:"reason,omitempty"`
}

type CompleteSignatureRequest struct {
	Token      string `json:"token" minLength:"1"`
	Credential string `json:"credential"`
}

type VerifySignatureRequest struct {
	VerifyContent *bool `json:"verify_content,omitempty"`
}

type InvalidateSignatureRequest struct {
	Reason string `json:"reason"`
}

type VerifyChainRequest struct {
	StartID   string `json:"start_id,omitempty"`
	EndID     string `json:"end_id,omitempty"`
	MaxEvents int    `json:"max_events,omitempty"`
}

type LoginRequest struct {
	AccountID string `json:"account_id"`
	Password  string `json:"password"`
}

// Responses

type LoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type SignatureList struct {
	Items []domain.Signature `json:"items"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
