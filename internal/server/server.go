// Package server exposes the gate over HTTP: an intake endpoint for verified
// events plus read and repair endpoints for work items and their ledger.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"workgate/internal/app"
	"workgate/internal/dispatch"
	"workgate/internal/domain"
	"workgate/internal/gate"
	"workgate/internal/handoff"
	"workgate/internal/identity"
	"workgate/internal/ledger"
	"workgate/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Runtime  *app.Runtime
	BasePath string
	Auth     AuthConfig
	// DevLogin enables POST /auth/dev/login, which mints tokens for any known principal.
	DevLogin bool
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"rate_limited"`
	Message string         `json:"message" example:"rate limited: principal docs-writer"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the workgate API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("server: runtime required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Runtime.Logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	rt := cfg.Runtime
	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, repo.Repo{DB: rt.DB}))
	if rt.Metrics != nil {
		router.Handle("/metrics", rt.Metrics.Handler())
	}
	hcfg := huma.DefaultConfig("workgate API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerEvents(group, rt)
	registerWorkItems(group, rt)
	registerLedger(group, rt)
	registerMe(group, rt)
	if cfg.DevLogin {
		registerDevAuth(group, rt, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps component errors onto HTTP statuses. Denials never reach
// here: they are decisions and travel in 200 responses.
func handleError(logger *zap.Logger, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var input gate.InputError
	if errors.As(err, &input) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": input.Field})
	}
	var unknown identity.UnknownPrincipalError
	if errors.As(err, &unknown) {
		return newAPIError(http.StatusUnprocessableEntity, "unknown_principal", err.Error(), map[string]any{"principal_id": unknown.ID})
	}
	switch {
	case errors.Is(err, dispatch.ErrNoEligibleAgent):
		return newAPIError(http.StatusUnprocessableEntity, "no_eligible_agent", err.Error(), nil)
	case errors.Is(err, dispatch.ErrRateLimited):
		return newAPIError(http.StatusTooManyRequests, "rate_limited", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, gate.ErrPersistence):
		// nothing was recorded; upstream must redeliver
		logger.Error("request failed before commit", zap.Error(err))
		return newAPIError(http.StatusServiceUnavailable, "persistence_unavailable", "decision not recorded, retry", nil)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return newAPIError(http.StatusServiceUnavailable, "timeout", err.Error(), nil)
	default:
		logger.Error("internal error", zap.Error(err))
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerEvents(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "dispatch-event",
		Method:      http.MethodPost,
		Path:        "/events",
		Summary:     "Dispatch a verified event",
		Description: "Denials are returned with status 200 and decision=denied. A 503 means nothing was recorded and the event must be redelivered. Only intake callers may name another actor or omit it.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
			http.StatusTooManyRequests,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body domain.VerifiedEvent `json:"body"`
	}) (*struct {
		Body DispatchResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := checkEventActor(caller, input.Body, rt.Config.Dispatch, rt.Logger); err != nil {
			return nil, err
		}
		res, err := rt.Dispatcher.Handle(ctx, input.Body)
		if err != nil {
			return nil, handleError(rt.Logger, err)
		}
		return &struct {
			Body DispatchResponse `json:"body"`
		}{Body: dispatchResponse(res)}, nil
	})
}

func registerWorkItems(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "list-work-items",
		Method:      http.MethodGet,
		Path:        "/work-items",
		Summary:     "List work items",
	}, func(ctx context.Context, input *struct {
		State string `query:"state"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []WorkItemResponse `json:"body"`
	}, error) {
		if input.State != "" && !handoff.Valid(domain.HandoffState(input.State)) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid state filter", map[string]any{"state": input.State})
		}
		items, err := repo.Repo{DB: rt.DB}.ListWorkItems(ctx, domain.HandoffState(input.State), normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(rt.Logger, err)
		}
		out := make([]WorkItemResponse, 0, len(items))
		for _, w := range items {
			out = append(out, workItemResponse(w))
		}
		return &struct {
			Body []WorkItemResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-item",
		Method:      http.MethodGet,
		Path:        "/work-items/{id}",
		Summary:     "Current handoff state of a work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body WorkItemResponse `json:"body"`
	}, error) {
		item, err := rt.Gate.State(ctx, input.ID)
		if err != nil {
			return nil, handleError(rt.Logger, err)
		}
		return &struct {
			Body WorkItemResponse `json:"body"`
		}{Body: workItemResponse(item)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "authorize-action",
		Method:      http.MethodPost,
		Path:        "/work-items/{id}/authorize",
		Summary:     "Authorize an action for the calling principal",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body AuthorizeRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		principal, err := rt.Identity.Resolve(ctx, caller.PrincipalID)
		if err != nil {
			return nil, handleError(rt.Logger, err)
		}
		res, err := rt.Gate.Authorize(ctx, gate.Request{
			Principal:      principal,
			Environment:    input.Body.Environment,
			WorkItemID:     input.ID,
			Action:         input.Body.Action,
			IdempotencyKey: input.Body.IdempotencyKey,
		})
		if err != nil {
			return nil, handleError(rt.Logger, err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recover-work-item",
		Method:      http.MethodPost,
		Path:        "/work-items/{id}/recover",
		Summary:     "Rebuild a work item projection from its ledger",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body gate.RecoverReport `json:"body"`
	}, error) {
		rep, err := rt.Gate.Recover(ctx, input.ID)
		if err != nil {
			return nil, handleError(rt.Logger, err)
		}
		return &struct {
			Body gate.RecoverReport `json:"body"`
		}{Body: rep}, nil
	})
}

func registerLedger(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "work-item-history",
		Method:      http.MethodGet,
		Path:        "/work-items/{id}/history",
		Summary:     "Ledger entries of a work item in append order",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ID       string `path:"id"`
		AfterSeq int64  `query:"after_seq" minimum:"0"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body HistoryResponse `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		items, err := rt.Ledger.HistoryPage(ctx, input.ID, input.AfterSeq, limit+1)
		if err != nil {
			return nil, handleError(rt.Logger, err)
		}
		resp := HistoryResponse{Items: nonNilSlice(items)}
		if len(items) > limit {
			resp.Items = items[:limit]
			resp.NextAfterSeq = items[limit-1].Seq
		}
		return &struct {
			Body HistoryResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-work-item",
		Method:      http.MethodGet,
		Path:        "/work-items/{id}/verify",
		Summary:     "Check the hash chain of a work item ledger",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ledger.VerifyReport `json:"body"`
	}, error) {
		rep, err := rt.Ledger.Verify(ctx, input.ID)
		if err != nil {
			return nil, handleError(rt.Logger, err)
		}
		return &struct {
			Body ledger.VerifyReport `json:"body"`
		}{Body: rep}, nil
	})
}

func registerMe(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Calling principal",
		Errors:      []int{http.StatusUnauthorized, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PrincipalResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := rt.Identity.Resolve(ctx, caller.PrincipalID)
		if err != nil {
			return nil, handleError(rt.Logger, err)
		}
		return &struct {
			Body PrincipalResponse `json:"body"`
		}{Body: PrincipalResponse{
			ID:           p.ID,
			Kind:         string(p.Kind),
			Level:        p.Level,
			Capabilities: nonNilSlice(p.Capabilities),
			Source:       caller.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, rt *app.Runtime, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for a known principal",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		id := strings.TrimSpace(input.Body.PrincipalID)
		if _, err := rt.Identity.Resolve(ctx, id); err != nil {
			return nil, handleError(rt.Logger, err)
		}
		token, err := SignToken(authCfg.JWTSecret, id, 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
