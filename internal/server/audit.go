package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"attestline/internal/domain"
	"attestline/internal/engine"
	"attestline/internal/export"
	"attestline/internal/ledger"
)

type EventFilterParams struct {
	EventType    string `query:"event_type"`
	ActorID      string `query:"actor_id"`
	ResourceType string `query:"resource_type"`
	ResourceID   string `query:"resource_id"`
	From         string `query:"from" doc:"RFC 3339 lower bound, inclusive"`
	To           string `query:"to" doc:"RFC 3339 upper bound, inclusive"`
}

func (p EventFilterParams) filter() (ledger.Filter, error) {
	from, err := parseTimeParam("from", p.From)
	if err != nil {
		return ledger.Filter{}, err
	}
	to, err := parseTimeParam("to", p.To)
	if err != nil {
		return ledger.Filter{}, err
	}
	return ledger.Filter{
		EventType:    p.EventType,
		ActorID:      p.ActorID,
		ResourceType: p.ResourceType,
		ResourceID:   p.ResourceID,
		From:         from,
		To:           to,
	}, nil
}

type exportOutput struct {
	ContentType        string `header:"Content-Type"`
	ContentDisposition string `header:"Content-Disposition"`
	Integrity          string `header:"X-Attestline-Integrity"`
	EventCount         string `header:"X-Attestline-Event-Count"`
	Body               []byte
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit-events",
		Method:      http.MethodGet,
		Path:        "/audit/events",
		Summary:     "Query audit events, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		EventFilterParams
		Limit  int `query:"limit" default:"50"`
		Offset int `query:"offset"`
	}) (*struct {
		Body domain.EventPage `json:"body"`
	}, error) {
		f, err := input.filter()
		if err != nil {
			return nil, handleError(err)
		}
		page, err := e.ListAuditEvents(ctx, f, ledger.Page{Limit: normalizeLimit(input.Limit), Offset: input.Offset})
		if err != nil {
			return nil, handleError(err)
		}
		page.Items = nonNilSlice(page.Items)
		return &struct {
			Body domain.EventPage `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-audit-event",
		Method:      http.MethodGet,
		Path:        "/audit/events/{id}",
		Summary:     "Get audit event",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Event `json:"body"`
	}, error) {
		evt, err := e.GetAuditEvent(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Event `json:"body"`
		}{Body: evt}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-audit-event",
		Method:      http.MethodGet,
		Path:        "/audit/events/{id}/verify",
		Summary:     "Verify one event's hash and its link to the previous event",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.SingleReport `json:"body"`
	}, error) {
		report, err := e.VerifySingleEvent(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		report.Issues = nonNilSlice(report.Issues)
		return &struct {
			Body domain.SingleReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-audit-chain",
		Method:      http.MethodPost,
		Path:        "/audit/verify",
		Summary:     "Verify the hash chain over a range of events",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body *VerifyChainRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.RangeReport `json:"body"`
	}, error) {
		var req VerifyChainRequest
		if input.Body != nil {
			req = *input.Body
		}
		report, err := e.VerifyChainRange(ctx, req.StartID, req.EndID, req.MaxEvents)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RangeReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "audit-stats",
		Method:      http.MethodGet,
		Path:        "/audit/stats",
		Summary:     "Ledger, signature and challenge counts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.AuditStats `json:"body"`
	}, error) {
		stats, err := e.GetAuditStats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AuditStats `json:"body"`
		}{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-audit-trail",
		Method:      http.MethodGet,
		Path:        "/audit/export",
		Summary:     "Export filtered audit events with an integrity hash",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		EventFilterParams
		Format string `query:"format" enum:"json,csv" default:"json"`
	}) (*exportOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f, err := input.filter()
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.ExportAuditTrail(ctx, export.Request{Filter: f, Format: input.Format, Actor: actor})
		if err != nil {
			return nil, handleError(err)
		}
		return &exportOutput{
			ContentType:        res.ContentType,
			ContentDisposition: `attachment; filename="` + res.Filename + `"`,
			Integrity:          export.Algorithm + ":" + res.IntegrityHash,
			EventCount:         strconv.Itoa(res.EventCount),
			Body:               res.Data,
		}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-audit-export",
		Method:      http.MethodPost,
		Path:        "/audit/export/verify",
		Summary:     "Check an export document against its embedded integrity hash",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Format  string `query:"format" enum:"json,csv"`
		RawBody []byte
	}) (*struct {
		Body export.Verification `json:"body"`
	}, error) {
		res, err := e.VerifyExport(input.RawBody, input.Format)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body export.Verification `json:"body"`
		}{Body: res}, nil
	})
}
