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
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"missionline/internal/app"
	"missionline/internal/bus"
	"missionline/internal/catalog"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/journal"
	"missionline/internal/repo"
	"missionline/internal/session"
)

// Config for the HTTP API handler.
type Config struct {
	Console  *app.Console
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"mission_active"`
	Message string         `json:"message" example:"another mission is active: night-watch"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"active_mission_id\":\"night-watch\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Missionline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Console == nil {
		return nil, errors.New("console required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Console.Repo))
	hcfg := huma.DefaultConfig("Missionline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := newHub(cfg.Auth.logger(), cfg.Console.Watch)
	router.Get(path.Join(basePath, "ws"), h.serve(cfg.Console))

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerMissions(group, cfg.Console)
	registerObjectives(group, cfg.Console)
	registerEvents(group, cfg.Console)
	registerProgress(group, cfg.Console)
	registerJournal(group, cfg.Console)
	if cfg.Auth.DevLogin && strings.TrimSpace(cfg.Auth.JWTSecret) != "" {
		registerDevAuth(group, cfg.Auth)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve *catalog.ValidationError
	if errors.As(err, &ve) {
		details := map[string]any{"mission_id": ve.Mission}
		if ve.Objective != "" {
			details["objective_id"] = ve.Objective
		}
		return newAPIError(http.StatusUnprocessableEntity, "invalid_content", err.Error(), details)
	}
	msg := err.Error()
	switch {
	case errors.Is(err, session.ErrUnknownMission):
		return newAPIError(http.StatusNotFound, "unknown_mission", msg, nil)
	case errors.Is(err, engine.ErrUnknownObjective):
		return newAPIError(http.StatusNotFound, "unknown_objective", msg, nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, session.ErrMissionActive):
		return newAPIError(http.StatusConflict, "mission_active", msg, nil)
	case errors.Is(err, session.ErrNotActive):
		return newAPIError(http.StatusConflict, "mission_not_active", msg, nil)
	case errors.Is(err, engine.ErrNoActiveMission):
		return newAPIError(http.StatusConflict, "no_active_mission", msg, nil)
	case errors.Is(err, engine.ErrObjectiveLocked):
		return newAPIError(http.StatusConflict, "objective_locked", msg, nil)
	case errors.Is(err, app.ErrObjectivesIncomplete):
		return newAPIError(http.StatusUnprocessableEntity, "objectives_incomplete", msg, nil)
	case errors.Is(err, catalog.ErrUnsupportedLocale):
		return newAPIError(http.StatusBadRequest, "unsupported_locale", msg, nil)
	}
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
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

// actionContext attributes journal entries written while serving the request
// to the calling collaborator.
func actionContext(ctx context.Context) context.Context {
	return journal.WithSource(ctx, sourceFromContext(ctx))
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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Missionline API Docs</title>
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

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current collaborator",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		resp := WhoAmIResponse{Roles: []string{}, Source: "anonymous"}
		if p, ok := principalFromContext(ctx); ok {
			resp = WhoAmIResponse{Collaborator: p.Collaborator, Roles: nonNilSlice(p.Roles), Source: p.Source}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMissions(api huma.API, c *app.Console) {
	type missionPath struct {
		ID string `path:"id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions with their status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MissionListResponse `json:"body"`
	}, error) {
		resp := MissionListResponse{Items: []MissionResponse{}}
		_ = c.Do(ctx, func(c *app.Console) error {
			resp.Locale = c.Catalog.Locale()
			for _, m := range c.Missions() {
				resp.Items = append(resp.Items, missionResponse(m))
			}
			return nil
		})
		return &struct {
			Body MissionListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{id}",
		Summary:     "Get mission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *missionPath) (*struct {
		Body MissionDetailResponse `json:"body"`
	}, error) {
		var summary app.MissionSummary
		err := c.Do(ctx, func(c *app.Console) error {
			m, ok := c.Catalog.Get(input.ID)
			if !ok {
				return fmt.Errorf("%w: %s", session.ErrUnknownMission, input.ID)
			}
			summary = app.MissionSummary{Mission: m, Status: c.Session.Status(m.ID)}
			return nil
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionDetailResponse `json:"body"`
		}{Body: missionDetailResponse(summary)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/accept",
		Summary:     "Accept a mission",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Force bool   `query:"force" doc:"Replace the active mission"`
	}) (*struct {
		Body MissionActionResponse `json:"body"`
	}, error) {
		var active string
		err := c.Do(ctx, func(c *app.Console) error {
			active = c.Store.ActiveMissionID()
			_, err := c.Session.Accept(actionContext(ctx), input.ID, input.Force)
			return err
		})
		if errors.Is(err, session.ErrMissionActive) {
			return nil, newAPIError(http.StatusConflict, "mission_active", err.Error(), map[string]any{"active_mission_id": active})
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionActionResponse `json:"body"`
		}{Body: MissionActionResponse{MissionID: input.ID, View: objectivesResponse(c.View())}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abandon-mission",
		Method:      http.MethodPost,
		Path:        "/missions/active/abandon",
		Summary:     "Abandon the active mission",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MissionActionResponse `json:"body"`
	}, error) {
		var abandoned string
		err := c.Do(ctx, func(c *app.Console) error {
			abandoned = c.Store.ActiveMissionID()
			return c.Session.AbandonMission(actionContext(ctx))
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionActionResponse `json:"body"`
		}{Body: MissionActionResponse{MissionID: abandoned, View: objectivesResponse(c.View())}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/complete",
		Summary:     "Complete the active mission",
		Errors:      []int{http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Force bool   `query:"force" doc:"Complete even with open objectives"`
	}) (*struct {
		Body MissionActionResponse `json:"body"`
	}, error) {
		err := c.Do(ctx, func(c *app.Console) error {
			return c.CompleteMission(actionContext(ctx), input.ID, input.Force)
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionActionResponse `json:"body"`
		}{Body: MissionActionResponse{MissionID: input.ID, View: objectivesResponse(c.View())}}, nil
	})
}

func registerObjectives(api huma.API, c *app.Console) {
	huma.Register(api, huma.Operation{
		OperationID: "list-objectives",
		Method:      http.MethodGet,
		Path:        "/objectives",
		Summary:     "Live objectives of the active mission",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ObjectivesResponse `json:"body"`
	}, error) {
		return &struct {
			Body ObjectivesResponse `json:"body"`
		}{Body: objectivesResponse(c.View())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-objective",
		Method:      http.MethodPost,
		Path:        "/objectives/{id}/complete",
		Summary:     "Complete an objective by hand",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ObjectivesResponse `json:"body"`
	}, error) {
		err := c.Do(ctx, func(c *app.Console) error {
			return c.Engine.MarkComplete(actionContext(ctx), input.ID)
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ObjectivesResponse `json:"body"`
		}{Body: objectivesResponse(c.View())}, nil
	})
}

func registerEvents(api huma.API, c *app.Console) {
	huma.Register(api, huma.Operation{
		OperationID: "emit-event",
		Method:      http.MethodPost,
		Path:        "/events",
		Summary:     "Publish a collaborator event",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body EmitEventRequest `json:"body"`
	}) (*struct {
		Body ObjectivesResponse `json:"body"`
	}, error) {
		name := strings.TrimSpace(input.Body.Event)
		if name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "event is required", nil)
		}
		v, err := c.Emit(ctx, sourceFromContext(ctx), bus.Event{
			Name:   name,
			Target: input.Body.Target,
			Data:   input.Body.Data,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ObjectivesResponse `json:"body"`
		}{Body: objectivesResponse(v)}, nil
	})
}

func registerProgress(api huma.API, c *app.Console) {
	huma.Register(api, huma.Operation{
		OperationID: "get-progress",
		Method:      http.MethodGet,
		Path:        "/progress",
		Summary:     "Durable progress",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProgressResponse `json:"body"`
	}, error) {
		var p domain.Progress
		_ = c.Do(ctx, func(c *app.Console) error {
			p = c.Store.Snapshot()
			return nil
		})
		return &struct {
			Body ProgressResponse `json:"body"`
		}{Body: progressResponse(p)}, nil
	})
}

func registerJournal(api huma.API, c *app.Console) {
	huma.Register(api, huma.Operation{
		OperationID: "list-journal",
		Method:      http.MethodGet,
		Path:        "/journal",
		Summary:     "List recent journal entries",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		MissionID string `query:"mission_id"`
		Kind      string `query:"kind"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedJournal `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := c.Repo.LatestJournal(ctx, limit+1, cursorID, repo.JournalFilter{MissionID: input.MissionID, Kind: input.Kind})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedJournal{Items: []JournalEntryResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, entry := range items {
			resp.Items = append(resp.Items, journalEntryResponse(entry))
		}
		return &struct {
			Body paginatedJournal `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		collaborator := strings.TrimSpace(input.Body.Collaborator)
		if collaborator == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "collaborator is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, collaborator, input.Body.Roles, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
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
