package server

import (
	"context"
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

	"pressroom/internal/config"
	"pressroom/internal/domain"
	"pressroom/internal/moderation"
	"pressroom/internal/repo"
	"pressroom/internal/scheduler"
)

// Config for the HTTP API handler.
type Config struct {
	Repo      repo.Repo
	Handler   *moderation.Handler
	Scheduler *scheduler.Scheduler
	AppConfig *config.Config
	BasePath  string
	Auth      AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"draft not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Pressroom API.
func New(cfg Config) (http.Handler, error) {
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo))
	hcfg := huma.DefaultConfig("Pressroom API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSources(group, cfg)
	registerDrafts(group, cfg)
	registerActions(group, cfg)
	registerTick(group, cfg)
	registerEvents(group, cfg)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg)

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
	if errors.Is(err, repo.ErrAlreadyResolved) {
		return newAPIError(http.StatusConflict, "already_resolved", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrDuplicate) {
		return newAPIError(http.StatusConflict, "duplicate", err.Error(), nil)
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Pressroom API Docs</title>
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

func registerSources(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-source",
		Method:        http.MethodPost,
		Path:          "/sources",
		Summary:       "Ingest a source post",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateSourceRequest `json:"body"`
	}) (*struct {
		Body SourceResponse `json:"body"`
	}, error) {
		if input.Body.ChannelID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "channel_id is required", nil)
		}
		if input.Body.Text == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "text is required", nil)
		}
		capturedAt := input.Body.CapturedAt
		if capturedAt == "" {
			capturedAt = time.Now().UTC().Format(time.RFC3339)
		}
		id, err := cfg.Repo.InsertSourcePost(ctx, domain.SourcePost{
			ChannelID:  input.Body.ChannelID,
			MessageID:  input.Body.MessageID,
			Text:       input.Body.Text,
			PhotoRef:   input.Body.PhotoRef,
			CapturedAt: capturedAt,
		})
		if errors.Is(err, repo.ErrDuplicate) {
			// Re-capture of an already seen post is a no-op.
			return &struct {
				Body SourceResponse `json:"body"`
			}{Body: SourceResponse{Duplicate: true}}, nil
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SourceResponse `json:"body"`
		}{Body: SourceResponse{ID: id, Status: domain.SourceStatusNew}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sources",
		Method:      http.MethodGet,
		Path:        "/sources",
		Summary:     "List source posts",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.SourcePost `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListSourcePosts(ctx, repo.SourceFilters{Status: input.Status, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.SourcePost{}
		}
		return &struct {
			Body []domain.SourcePost `json:"body"`
		}{Body: items}, nil
	})
}

func registerDrafts(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-drafts",
		Method:      http.MethodGet,
		Path:        "/drafts",
		Summary:     "List drafts",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []DraftResponse `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListDrafts(ctx, repo.DraftFilters{Status: input.Status, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DraftResponse `json:"body"`
		}{Body: mapDrafts(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-draft",
		Method:      http.MethodGet,
		Path:        "/drafts/{id}",
		Summary:     "Get draft",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		d, err := cfg.Repo.GetDraft(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: draftResponse(d)}, nil
	})
}

func registerActions(api huma.API, cfg Config) {
	h := cfg.Handler

	ackOut := func(ack moderation.Ack) *struct {
		Body AckResponse `json:"body"`
	} {
		return &struct {
			Body AckResponse `json:"body"`
		}{Body: AckResponse{Text: ack.Text, Done: ack.Done}}
	}

	huma.Register(api, huma.Operation{
		OperationID: "approve-draft",
		Method:      http.MethodPost,
		Path:        "/drafts/{id}/approve",
		Summary:     "Approve a draft and start channel selection",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body AckResponse `json:"body"`
	}, error) {
		moderatorID, authErr := moderatorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ack, err := h.Approve(ctx, moderatorID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return ackOut(ack), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-draft",
		Method:      http.MethodPost,
		Path:        "/drafts/{id}/reject",
		Summary:     "Reject a draft",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body AckResponse `json:"body"`
	}, error) {
		moderatorID, authErr := moderatorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ack, err := h.Reject(ctx, moderatorID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return ackOut(ack), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-draft",
		Method:      http.MethodPost,
		Path:        "/drafts/{id}/edit",
		Summary:     "Edit a draft",
		Description: "An empty text begins an edit session; a non-empty text replaces the draft body.",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID   int64       `path:"id"`
		Body EditRequest `json:"body"`
	}) (*struct {
		Body AckResponse `json:"body"`
	}, error) {
		moderatorID, authErr := moderatorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ack, err := h.BeginEdit(ctx, moderatorID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if ack.Done || input.Body.Text == "" {
			return ackOut(ack), nil
		}
		ack, err = h.SubmitEdit(ctx, moderatorID, input.Body.Text)
		if err != nil {
			return nil, handleError(err)
		}
		return ackOut(ack), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "draft-images",
		Method:      http.MethodPost,
		Path:        "/drafts/{id}/images",
		Summary:     "Fetch candidate images for a draft",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body ImagesResponse `json:"body"`
	}, error) {
		moderatorID, authErr := moderatorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ack, images, err := h.ShowImages(ctx, moderatorID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ImagesResponse `json:"body"`
		}{Body: ImagesResponse{Ack: AckResponse{Text: ack.Text, Done: ack.Done}, Images: images}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pick-draft-image",
		Method:      http.MethodPost,
		Path:        "/drafts/{id}/images/{index}/pick",
		Summary:     "Pick a candidate image by index",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID    int64 `path:"id"`
		Index int   `path:"index"`
	}) (*struct {
		Body AckResponse `json:"body"`
	}, error) {
		moderatorID, authErr := moderatorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ack, err := h.PickImage(ctx, moderatorID, input.ID, input.Index)
		if err != nil {
			return nil, handleError(err)
		}
		return ackOut(ack), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "toggle-draft-channel",
		Method:      http.MethodPost,
		Path:        "/drafts/{id}/channels/toggle",
		Summary:     "Toggle a channel in the working selection",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID   int64                `path:"id"`
		Body ToggleChannelRequest `json:"body"`
	}) (*struct {
		Body AckResponse `json:"body"`
	}, error) {
		moderatorID, authErr := moderatorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Channel == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "channel is required", nil)
		}
		ack, err := h.ToggleChannel(ctx, moderatorID, input.Body.Channel)
		if err != nil {
			return nil, handleError(err)
		}
		return ackOut(ack), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-draft-channels",
		Method:      http.MethodPost,
		Path:        "/drafts/{id}/channels/confirm",
		Summary:     "Publish the draft to the selected channels",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body AckResponse `json:"body"`
	}, error) {
		moderatorID, authErr := moderatorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ack, err := h.ConfirmChannels(ctx, moderatorID)
		if err != nil {
			return nil, handleError(err)
		}
		return ackOut(ack), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "draft-photo",
		Method:      http.MethodPost,
		Path:        "/drafts/{id}/photo",
		Summary:     "Attach a publish photo",
		Description: "An empty photo_url asks for a photo upload; a non-empty one publishes with it.",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID   int64        `path:"id"`
		Body PhotoRequest `json:"body"`
	}) (*struct {
		Body AckResponse `json:"body"`
	}, error) {
		moderatorID, authErr := moderatorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.PhotoURL == "" {
			ack, err := h.RequestPhoto(ctx, moderatorID, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return ackOut(ack), nil
		}
		ack, err := h.AttachPhoto(ctx, moderatorID, input.Body.PhotoURL)
		if err != nil {
			return nil, handleError(err)
		}
		return ackOut(ack), nil
	})
}

func registerTick(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "tick",
		Method:      http.MethodPost,
		Path:        "/tick",
		Summary:     "Run one delivery pass",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TickResponse `json:"body"`
	}, error) {
		if _, authErr := moderatorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		n, err := cfg.Scheduler.Tick(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TickResponse `json:"body"`
		}{Body: TickResponse{Delivered: n}}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"50"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		items, err := cfg.Repo.LatestEvents(ctx, limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}
