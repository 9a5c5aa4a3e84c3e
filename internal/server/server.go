package server

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/notify"
	"gateline/internal/registry"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
	Metrics  prometheus.Gatherer

	// WebhookSecret, when set, requires forge events on /events to carry
	// a valid X-Hub-Signature-256 over the raw payload.
	WebhookSecret string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"repository not registered"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Gateline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
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

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Gateline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerMetrics(router, cfg.Metrics)
	registerHealth(group)
	registerRepositories(group, cfg.Engine)
	registerChecks(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerHistory(group, cfg.Engine)
	registerGraph(group, cfg.Engine)
	registerEvents(group, cfg.Engine, cfg.WebhookSecret)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, engine.ErrUnknownRepository) || errors.Is(err, registry.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, registry.ErrRepositoryExists) {
		return newAPIError(http.StatusConflict, "repository_exists", err.Error(), nil)
	}
	var lw engine.LedgerWriteError
	if errors.As(err, &lw) {
		return newAPIError(http.StatusInternalServerError, "ledger_write_failed", "ledger write failed", map[string]any{"error": lw.Err.Error()})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "unknown") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, swaggerHTML(basePath))
	})
}

func registerMetrics(r chi.Router, g prometheus.Gatherer) {
	if g == nil {
		return
	}
	r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	open := map[string]bool{}
	for _, p := range []string{path.Join(basePath, "health"), path.Join(basePath, "events")} {
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		open[p] = true
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Gateline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerEvents(api huma.API, e *engine.Engine, secret string) {
	huma.Register(api, huma.Operation{
		OperationID: "forge-event",
		Method:      http.MethodPost,
		Path:        "/events",
		Summary:     "Forge event trigger",
		Description: "Accepts a merge event from the forge and attempts to advance the repository along its single outgoing edge. When a webhook secret is configured the payload must carry a valid X-Hub-Signature-256.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Signature string `header:"X-Hub-Signature-256"`
		RawBody   []byte
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		if secret != "" {
			want := notify.Sign(input.RawBody, secret)
			if !hmac.Equal([]byte(input.Signature), []byte(want)) {
				return nil, newAPIError(http.StatusUnauthorized, "bad_signature", "signature mismatch", nil)
			}
		}
		var ev ForgeEventRequest
		if err := json.Unmarshal(input.RawBody, &ev); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid event payload", nil)
		}
		if strings.TrimSpace(ev.RepositoryID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "repository_id is required", nil)
		}
		state, err := e.Sink.LoadState(ctx, ev.RepositoryID)
		if err != nil {
			return nil, handleError(err)
		}
		next := e.Config.AllowedNext(state)
		if len(next) != 1 {
			return nil, newAPIError(http.StatusConflict, "ambiguous_next", fmt.Sprintf("state %s has %d outgoing edges", state, len(next)), nil)
		}
		dec, err := e.AttemptTransition(ctx, engine.TransitionRequest{
			RepositoryID: ev.RepositoryID,
			To:           next[0],
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(dec, nil)}, nil
	})
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

func registerRepositories(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-repository",
		Method:        http.MethodPost,
		Path:          "/repositories",
		Summary:       "Register repository",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterRepositoryRequest `json:"body"`
	}) (*struct {
		Body RepositoryResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.ID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		r, err := e.RegisterRepository(ctx, input.Body.ID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RepositoryResponse `json:"body"`
		}{Body: repositoryResponse(r, e.Config.AllowedNext(r.State), e.Config.RequiredChecks(r.State))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-repositories",
		Method:      http.MethodGet,
		Path:        "/repositories",
		Summary:     "List repositories",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []RepositoryResponse `json:"body"`
	}, error) {
		items, err := e.Sink.ListRepositories(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]RepositoryResponse, 0, len(items))
		for _, r := range items {
			out = append(out, repositoryResponse(r, e.Config.AllowedNext(r.State), e.Config.RequiredChecks(r.State)))
		}
		return &struct {
			Body []RepositoryResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-repository",
		Method:      http.MethodGet,
		Path:        "/repositories/{repository_id}",
		Summary:     "Get repository",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RepositoryID string `path:"repository_id"`
	}) (*struct {
		Body RepositoryResponse `json:"body"`
	}, error) {
		r, err := e.Sink.GetRepository(ctx, input.RepositoryID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RepositoryResponse `json:"body"`
		}{Body: repositoryResponse(r, e.Config.AllowedNext(r.State), e.Config.RequiredChecks(r.State))}, nil
	})
}

func registerChecks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "report-check",
		Method:      http.MethodPost,
		Path:        "/repositories/{repository_id}/checks",
		Summary:     "Report a check result",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		RepositoryID string             `path:"repository_id"`
		Body         ReportCheckRequest `json:"body"`
	}) (*struct {
		Body CheckResultResponse `json:"body"`
	}, error) {
		res := domain.CheckResult{
			RepositoryID: input.RepositoryID,
			Name:         input.Body.Name,
			Status:       domain.CheckStatus(input.Body.Status),
			Detail:       input.Body.Detail,
		}
		if err := e.ReportCheck(ctx, res); err != nil {
			return nil, handleError(err)
		}
		stored, _, err := e.Sink.LatestCheckResult(ctx, input.RepositoryID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CheckResultResponse `json:"body"`
		}{Body: checkResultResponse(stored)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-checks",
		Method:      http.MethodGet,
		Path:        "/repositories/{repository_id}/checks",
		Summary:     "List latest check results",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RepositoryID string `path:"repository_id"`
	}) (*struct {
		Body []CheckResultResponse `json:"body"`
	}, error) {
		if _, err := e.Sink.GetRepository(ctx, input.RepositoryID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Sink.ListCheckResults(ctx, input.RepositoryID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]CheckResultResponse, 0, len(items))
		for _, c := range items {
			out = append(out, checkResultResponse(c))
		}
		return &struct {
			Body []CheckResultResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-verdict",
		Method:      http.MethodGet,
		Path:        "/repositories/{repository_id}/verdict",
		Summary:     "Evaluate the validation matrix for the current state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RepositoryID string `path:"repository_id"`
	}) (*struct {
		Body VerdictResponse `json:"body"`
	}, error) {
		v, err := e.Evaluate(ctx, input.RepositoryID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerdictResponse `json:"body"`
		}{Body: verdictResponse(v)}, nil
	})
}

func registerTransitions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "attempt-transition",
		Method:      http.MethodPost,
		Path:        "/repositories/{repository_id}/transitions",
		Summary:     "Attempt a lifecycle transition",
		Description: "Evaluates the validation matrix and either advances the repository or records a rejected attempt. The decision is returned either way.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RepositoryID string            `path:"repository_id"`
		Body         TransitionRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		to := domain.State(input.Body.To)
		if !domain.KnownState(to) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown state %q", input.Body.To), nil)
		}
		dec, err := e.AttemptTransition(ctx, engine.TransitionRequest{
			RepositoryID: input.RepositoryID,
			To:           to,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(dec, nil)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "gate-transition",
		Method:      http.MethodPost,
		Path:        "/repositories/{repository_id}/gate",
		Summary:     "Run a gated transition with remediation",
		Description: "Runs the capped evaluate-remediate cycle and returns the final outcome, ACCEPTED or ESCALATED.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RepositoryID string      `path:"repository_id"`
		Body         GateRequest `json:"body"`
	}) (*struct {
		Body GateResponse `json:"body"`
	}, error) {
		to := domain.State(input.Body.To)
		if !domain.KnownState(to) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown state %q", input.Body.To), nil)
		}
		outcome, err := e.RunGatedTransition(ctx, input.RepositoryID, to, input.Body.MaxAttempts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GateResponse `json:"body"`
		}{Body: GateResponse{
			Final:    string(outcome.Final),
			Decision: decisionResponse(outcome.Decision, outcome.Attempts),
		}}, nil
	})
}

func registerHistory(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "history",
		Method:      http.MethodGet,
		Path:        "/repositories/{repository_id}/history",
		Summary:     "Transition ledger",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RepositoryID string `path:"repository_id"`
		At           string `query:"at" format:"date-time" doc:"Return only the state the repository was in at this instant"`
	}) (*struct {
		Body struct {
			State   string                     `json:"state,omitempty"`
			Records []TransitionRecordResponse `json:"records,omitempty"`
		} `json:"body"`
	}, error) {
		out := &struct {
			Body struct {
				State   string                     `json:"state,omitempty"`
				Records []TransitionRecordResponse `json:"records,omitempty"`
			} `json:"body"`
		}{}
		if input.At != "" {
			at, err := time.Parse(time.RFC3339, input.At)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "at must be RFC 3339", nil)
			}
			state, err := e.StateAt(ctx, input.RepositoryID, at)
			if err != nil {
				return nil, handleError(err)
			}
			out.Body.State = string(state)
			return out, nil
		}
		records, err := e.History(ctx, input.RepositoryID)
		if err != nil {
			return nil, handleError(err)
		}
		out.Body.Records = make([]TransitionRecordResponse, 0, len(records))
		for _, rec := range records {
			out.Body.Records = append(out.Body.Records, recordResponse(rec))
		}
		return out, nil
	})
}

func registerGraph(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "graph",
		Method:      http.MethodGet,
		Path:        "/graph",
		Summary:     "Lifecycle transition graph",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body GraphResponse `json:"body"`
	}, error) {
		edges := make(map[string][]string, len(domain.States))
		for _, s := range domain.States {
			edges[string(s)] = stateStrings(e.Config.AllowedNext(s))
		}
		return &struct {
			Body GraphResponse `json:"body"`
		}{Body: GraphResponse{
			States: stateStrings(domain.States),
			Edges:  edges,
		}}, nil
	})
}
