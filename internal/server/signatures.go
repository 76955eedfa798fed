package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"attestline/internal/domain"
	"attestline/internal/engine"
	"attestline/internal/signing"
)

func registerSignatures(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "initiate-signature",
		Method:      http.MethodPost,
		Path:        "/signatures/challenges",
		Summary:     "Issue a signing challenge for a target",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body InitiateSignatureRequest `json:"body"`
	}) (*struct {
		Body domain.ChallengeGrant `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		grant, err := e.InitiateSignature(ctx, signing.InitiateRequest{
			Actor:   actor,
			Meaning: domain.Meaning(input.Body.Meaning),
			Target:  input.Body.Target.ref(),
			Reason:  input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ChallengeGrant `json:"body"`
		}{Body: grant}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-signature",
		Method:      http.MethodPost,
		Path:        "/signatures/challenges/complete",
		Summary:     "Complete a challenge with re-authentication",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusConflict,
			http.StatusGone,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body CompleteSignatureRequest `json:"body"`
	}) (*struct {
		Body domain.Signature `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sig, err := e.CompleteSignature(ctx, signing.CompleteRequest{
			Token:      input.Body.Token,
			Credential: input.Body.Credential,
			Actor:      actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Signature `json:"body"`
		}{Body: sig}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-signature",
		Method:      http.MethodGet,
		Path:        "/signatures/{id}",
		Summary:     "Get signature",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Signature `json:"body"`
	}, error) {
		sig, err := e.GetSignature(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Signature `json:"body"`
		}{Body: sig}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-signature",
		Method:      http.MethodPost,
		Path:        "/signatures/{id}/verify",
		Summary:     "Verify a signature and optionally its content binding",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body *VerifySignatureRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.SignatureVerification `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		verifyContent := true
		if input.Body != nil && input.Body.VerifyContent != nil {
			verifyContent = *input.Body.VerifyContent
		}
		res, err := e.VerifySignature(ctx, input.ID, verifyContent, actor)
		if err != nil {
			return nil, handleError(err)
		}
		res.Issues = nonNilSlice(res.Issues)
		return &struct {
			Body domain.SignatureVerification `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "invalidate-signature",
		Method:      http.MethodPost,
		Path:        "/signatures/{id}/invalidate",
		Summary:     "Invalidate a signature",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                     `path:"id"`
		Body InvalidateSignatureRequest `json:"body"`
	}) (*struct {
		Body domain.Signature `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sig, err := e.InvalidateSignature(ctx, input.ID, input.Body.Reason, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Signature `json:"body"`
		}{Body: sig}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-target-signatures",
		Method:      http.MethodGet,
		Path:        "/targets/{type}/{id}/signatures",
		Summary:     "List signatures bound to a target, newest first",
	}, func(ctx context.Context, input *struct {
		Type           string `path:"type"`
		ID             string `path:"id"`
		Version        string `query:"version"`
		IncludeInvalid bool   `query:"include_invalid"`
	}) (*struct {
		Body SignatureList `json:"body"`
	}, error) {
		items, err := e.ListSignaturesForTarget(ctx, domain.TargetRef{
			Type:    input.Type,
			ID:      input.ID,
			Version: input.Version,
		}, input.IncludeInvalid)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SignatureList `json:"body"`
		}{Body: SignatureList{Items: nonNilSlice(items)}}, nil
	})
}
