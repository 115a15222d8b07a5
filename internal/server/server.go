package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"pulseline/internal/domain"
	"pulseline/internal/ingest"
	"pulseline/internal/repo"
	"pulseline/internal/sweep"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   ingest.Engine
	Sweeper  *sweep.Sweeper
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"enrollment not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Pulseline API. Webhook ingress
// is mounted outside the authenticated base path; providers sign their
// deliveries instead of carrying operator credentials.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Sweeper == nil {
		cfg.Sweeper = sweep.New(cfg.Engine)
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	registerWebhooks(router, cfg.Engine)

	hcfg := huma.DefaultConfig("Pulseline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTemplates(group, cfg.Engine)
	registerInstances(group, cfg.Engine)
	registerEnrollments(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerDeadLetters(group, cfg.Engine, cfg.Sweeper)
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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
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
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Pulseline API Docs</title>
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

type CreateTemplateRequest struct {
	Name      string `json:"name"`
	Channel   string `json:"channel,omitempty" enum:"email,linkedin,multi"`
	StepCount int    `json:"step_count,omitempty"`
}

func registerTemplates(api huma.API, e ingest.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-template",
		Method:        http.MethodPost,
		Path:          "/templates",
		Summary:       "Create campaign template",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateTemplateRequest `json:"body"`
	}) (*struct {
		Body domain.CampaignTemplate `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		t, err := e.CreateTemplate(ctx, ingest.TemplateCreateOptions{
			Name:      input.Body.Name,
			Channel:   input.Body.Channel,
			StepCount: input.Body.StepCount,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CampaignTemplate `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List campaign templates",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.CampaignTemplate `json:"body"`
	}, error) {
		items, err := e.Repo.ListTemplates(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.CampaignTemplate{}
		}
		return &struct {
			Body []domain.CampaignTemplate `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{id}",
		Summary:     "Get campaign template",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.CampaignTemplate `json:"body"`
	}, error) {
		t, err := e.Repo.GetTemplate(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CampaignTemplate `json:"body"`
		}{Body: t}, nil
	})
}

type CreateInstanceRequest struct {
	TemplateID string `json:"template_id"`
	Name       string `json:"name,omitempty"`
}

func registerInstances(api huma.API, e ingest.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-instance",
		Method:        http.MethodPost,
		Path:          "/instances",
		Summary:       "Create campaign instance",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateInstanceRequest `json:"body"`
	}) (*struct {
		Body domain.CampaignInstance `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		ci, err := e.CreateInstance(ctx, ingest.InstanceCreateOptions{
			TemplateID: input.Body.TemplateID,
			Name:       input.Body.Name,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CampaignInstance `json:"body"`
		}{Body: ci}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-instances",
		Method:      http.MethodGet,
		Path:        "/instances",
		Summary:     "List campaign instances",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*struct {
		Body []domain.CampaignInstance `json:"body"`
	}, error) {
		items, err := e.Repo.ListInstances(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.CampaignInstance{}
		}
		return &struct {
			Body []domain.CampaignInstance `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-instance",
		Method:      http.MethodGet,
		Path:        "/instances/{id}",
		Summary:     "Get campaign instance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.CampaignInstance `json:"body"`
	}, error) {
		ci, err := e.Repo.GetInstance(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CampaignInstance `json:"body"`
		}{Body: ci}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-instance",
		Method:        http.MethodDelete,
		Path:          "/instances/{id}",
		Summary:       "Delete campaign instance",
		Description:   "Removes the instance and cascades to its enrollments, correlation keys and events.",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteInstance(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-instance-status",
		Method:      http.MethodPatch,
		Path:        "/instances/{id}/status",
		Summary:     "Update campaign instance status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Status string `json:"status" enum:"draft,active,paused,completed,failed"`
		} `json:"body"`
	}) (*struct {
		Body domain.CampaignInstance `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		ci, err := e.SetInstanceStatus(ctx, input.ID, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CampaignInstance `json:"body"`
		}{Body: ci}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "instance-metrics",
		Method:      http.MethodGet,
		Path:        "/instances/{id}/metrics",
		Summary:     "Campaign instance metrics",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.InstanceMetrics `json:"body"`
	}, error) {
		m, err := e.Metrics(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.InstanceMetrics `json:"body"`
		}{Body: m}, nil
	})
}

type CreateEnrollmentRequest struct {
	InstanceID string         `json:"instance_id"`
	Contact    map[string]any `json:"contact,omitempty"`
}

type RegisterKeyRequest struct {
	Provider string `json:"provider"`
	Key      string `json:"key"`
}

type paginatedEnrollments struct {
	Items      []domain.Enrollment `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

func registerEnrollments(api huma.API, e ingest.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-enrollment",
		Method:        http.MethodPost,
		Path:          "/enrollments",
		Summary:       "Enroll a contact",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateEnrollmentRequest `json:"body"`
	}) (*struct {
		Body domain.Enrollment `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		en, err := e.Enroll(ctx, ingest.EnrollOptions{
			InstanceID: input.Body.InstanceID,
			Contact:    input.Body.Contact,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Enrollment `json:"body"`
		}{Body: en}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-enrollments",
		Method:      http.MethodGet,
		Path:        "/enrollments",
		Summary:     "List enrollments",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		InstanceID string `query:"instance_id"`
		Status     string `query:"status"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEnrollments `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListEnrollments(ctx, repo.EnrollmentFilters{
			InstanceID:      input.InstanceID,
			Status:          input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEnrollments{Items: []domain.Enrollment{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEnrollments `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-enrollment",
		Method:      http.MethodGet,
		Path:        "/enrollments/{id}",
		Summary:     "Get enrollment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Enrollment `json:"body"`
	}, error) {
		en, err := e.Repo.GetEnrollment(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Enrollment `json:"body"`
		}{Body: en}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-enrollment-status",
		Method:      http.MethodPatch,
		Path:        "/enrollments/{id}/status",
		Summary:     "Update enrollment status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Status string `json:"status" enum:"enrolled,active,paused,completed,unsubscribed,bounced"`
		} `json:"body"`
	}) (*struct {
		Body domain.Enrollment `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		en, err := e.SetEnrollmentStatus(ctx, input.ID, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Enrollment `json:"body"`
		}{Body: en}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "register-enrollment-key",
		Method:        http.MethodPost,
		Path:          "/enrollments/{id}/keys",
		Summary:       "Register a provider correlation key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body RegisterKeyRequest `json:"body"`
	}) (*struct {
		Body domain.CorrelationKey `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		k, err := e.RegisterKey(ctx, input.ID, input.Body.Provider, input.Body.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CorrelationKey `json:"body"`
		}{Body: k}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-enrollment-keys",
		Method:      http.MethodGet,
		Path:        "/enrollments/{id}/keys",
		Summary:     "List provider correlation keys",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.CorrelationKey `json:"body"`
	}, error) {
		if _, err := e.Repo.GetEnrollment(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		keys, err := e.Repo.ListKeys(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if keys == nil {
			keys = []domain.CorrelationKey{}
		}
		return &struct {
			Body []domain.CorrelationKey `json:"body"`
		}{Body: keys}, nil
	})
}

type paginatedEvents struct {
	Items      []domain.CampaignEvent `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

func registerEvents(api huma.API, e ingest.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List campaign events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		EnrollmentID string `query:"enrollment_id"`
		InstanceID   string `query:"instance_id"`
		Type         string `query:"type"`
		Provider     string `query:"provider"`
		Limit        int    `query:"limit" default:"50"`
		Cursor       string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListEvents(ctx, repo.EventFilters{
			EnrollmentID:    input.EnrollmentID,
			InstanceID:      input.InstanceID,
			Type:            input.Type,
			Provider:        input.Provider,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.CampaignEvent{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

type ReplayRequest struct {
	IDs []string `json:"ids"`
}

func registerDeadLetters(api huma.API, e ingest.Engine, sw *sweep.Sweeper) {
	huma.Register(api, huma.Operation{
		OperationID: "list-dead-letters",
		Method:      http.MethodGet,
		Path:        "/dead-letters",
		Summary:     "List dead-lettered events",
	}, func(ctx context.Context, input *struct {
		Provider string `query:"provider"`
		Reason   string `query:"reason"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.OrphanedEvent `json:"body"`
	}, error) {
		items, err := e.Repo.ListDeadLettered(ctx, repo.OrphanFilters{
			Provider: input.Provider,
			Reason:   input.Reason,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.OrphanedEvent{}
		}
		return &struct {
			Body []domain.OrphanedEvent `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replay-dead-letters",
		Method:      http.MethodPost,
		Path:        "/dead-letters/replay",
		Summary:     "Replay dead-lettered events",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body ReplayRequest `json:"body"`
	}) (*struct {
		Body sweep.ReplayResult `json:"body"`
	}, error) {
		if len(input.Body.IDs) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "ids is required", nil)
		}
		res, err := sw.Replay(ctx, input.Body.IDs)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body sweep.ReplayResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "discard-dead-letters",
		Method:      http.MethodPost,
		Path:        "/dead-letters/discard",
		Summary:     "Discard dead-lettered events",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body ReplayRequest `json:"body"`
	}) (*struct {
		Body struct {
			Discarded int `json:"discarded"`
		} `json:"body"`
	}, error) {
		if len(input.Body.IDs) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "ids is required", nil)
		}
		n, err := sw.Discard(ctx, input.Body.IDs)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Discarded int `json:"discarded"`
			} `json:"body"`
		}{}
		out.Body.Discarded = n
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "orphan-stats",
		Method:      http.MethodGet,
		Path:        "/orphans/stats",
		Summary:     "Orphaned event counts by provider",
	}, func(ctx context.Context, input *struct {
		Since string `query:"since"`
	}) (*struct {
		Body []domain.OrphanStat `json:"body"`
	}, error) {
		stats, err := e.Repo.OrphanStats(ctx, input.Since)
		if err != nil {
			return nil, handleError(err)
		}
		if stats == nil {
			stats = []domain.OrphanStat{}
		}
		return &struct {
			Body []domain.OrphanStat `json:"body"`
		}{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-sweep",
		Method:      http.MethodPost,
		Path:        "/sweep/run",
		Summary:     "Run one orphan sweep cycle now",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := sw.Cycle(ctx); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
