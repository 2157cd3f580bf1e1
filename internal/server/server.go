// Package server exposes the engagement and messaging engine over HTTP:
// a JSON API described by OpenAPI, plus a websocket endpoint per thread
// for live delivery.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"parley/internal/domain"
	"parley/internal/gateway"
	"parley/internal/repo"
)

// Config carries what the HTTP layer needs.
type Config struct {
	Gateway  *gateway.Gateway
	BasePath string
	Auth     AuthConfig
}

type apiErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type apiErrorBody struct {
	Error apiErrorDetail `json:"error"`
}

// apiError is the error envelope every failing response carries.
type apiError struct {
	status int
	Body   apiErrorBody
}

func (e *apiError) Error() string  { return e.Body.Error.Message }
func (e *apiError) GetStatus() int { return e.status }

func (e *apiError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Body)
}

func newAPIError(status int, code, message string, details map[string]any) *apiError {
	return &apiError{
		status: status,
		Body: apiErrorBody{Error: apiErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		}},
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	default:
		return "internal"
	}
}

func init() {
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		// body decode and schema failures surface as plain bad requests
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			items := make([]string, 0, len(errs))
			for _, e := range errs {
				if e != nil {
					items = append(items, e.Error())
				}
			}
			if len(items) > 0 {
				details = map[string]any{"errors": items}
			}
		}
		return newAPIError(status, defaultCodeForStatus(status), msg, details)
	}
}

// handleError maps engine errors onto the wire taxonomy.
func handleError(err error) error {
	var ve *domain.ValidationError
	var ite *domain.InvalidTransitionError
	var ce *domain.ConflictError
	switch {
	case errors.As(err, &ve):
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusBadRequest, "bad_request", ve.Error(), details)
	case errors.Is(err, domain.ErrUnauthorized):
		return newAPIError(http.StatusForbidden, "forbidden", "not a participant", nil)
	case errors.Is(err, domain.ErrThreadClosed):
		return newAPIError(http.StatusConflict, "thread_closed", "thread is closed", nil)
	case errors.As(err, &ite):
		return newAPIError(http.StatusConflict, "invalid_transition", ite.Error(), map[string]any{
			"from":   string(ite.From),
			"action": ite.Action,
		})
	case errors.As(err, &ce):
		return newAPIError(http.StatusConflict, "conflict", ce.Error(), nil)
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", "resource not found", nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal", err.Error(), nil)
	}
}

type server struct {
	gw   *gateway.Gateway
	auth AuthConfig
}

// New builds the HTTP handler: auth middleware, the JSON API, docs, and
// the websocket endpoint.
func New(cfg Config) (http.Handler, error) {
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("server: gateway is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	basePath = "/" + strings.Trim(basePath, "/")

	s := &server{gw: cfg.Gateway, auth: cfg.Auth}

	router := chi.NewMux()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Gateway.Engine.Repo))

	humaCfg := huma.DefaultConfig("Parley", "1.0.0")
	humaCfg.DocsPath = ""
	humaCfg.OpenAPIPath = ""
	api := humachi.New(router, humaCfg)
	applyAuthSecurity(api)

	s.registerHealth(api, basePath)
	s.registerDevAuth(api, basePath)
	s.registerIdentities(api, basePath)
	s.registerEngagements(api, basePath)
	s.registerThreads(api, basePath)
	s.registerEvents(api, basePath)

	registerOpenAPI(router, api, basePath)
	registerDocs(router, basePath)
	s.registerWebSocket(router, basePath)

	return router, nil
}

func applyAuthSecurity(api huma.API) {
	oapi := api.OpenAPI()
	if oapi.Components == nil {
		oapi.Components = &huma.Components{}
	}
	if oapi.Components.SecuritySchemes == nil {
		oapi.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oapi.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oapi.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	oapi.Security = []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
}

func registerOpenAPI(router chi.Router, api huma.API, basePath string) {
	router.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		data, err := json.Marshal(api.OpenAPI())
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal", "failed to render openapi spec", nil))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	})
}

func registerDocs(router chi.Router, basePath string) {
	specURL := path.Join(basePath, "openapi.json")
	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, swaggerHTML, specURL)
	})
}

const swaggerHTML = `<!DOCTYPE html>
<html>
<head>
  <title>Parley API</title>
  <meta charset="utf-8"/>
  <meta name="viewport" content="width=device-width, initial-scale=1"/>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    window.onload = () => {
      SwaggerUIBundle({url: %q, dom_id: "#swagger-ui"});
    };
  </script>
</body>
</html>
`

func (s *server) registerHealth(group huma.API, basePath string) {
	huma.Register(group, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        path.Join(basePath, "health"),
		Summary:     "Health check",
		Security:    []map[string][]string{},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Status string `json:"status"`
		}
	}, error) {
		resp := &struct {
			Body struct {
				Status string `json:"status"`
			}
		}{}
		resp.Body.Status = "ok"
		return resp, nil
	})
}

func (s *server) registerDevAuth(group huma.API, basePath string) {
	huma.Register(group, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        path.Join(basePath, "auth/dev/login"),
		Summary:     "Mint a development token for an identity",
		Security:    []map[string][]string{},
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body struct {
			IdentityID string `json:"identity_id" minLength:"1"`
		}
	}) (*struct {
		Body struct {
			Token string `json:"token"`
		}
	}, error) {
		if !s.auth.DevLogin {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "dev login is disabled", nil)
		}
		ident, err := s.gw.Engine.Repo.GetIdentity(ctx, input.Body.IdentityID)
		if err != nil {
			return nil, handleError(err)
		}
		token, err := mintJWT(ident.ID, string(ident.Role), s.auth.JWTSecret, s.auth.TokenExpiry)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Token string `json:"token"`
			}
		}{}
		resp.Body.Token = token
		return resp, nil
	})
}

func (s *server) registerIdentities(group huma.API, basePath string) {
	huma.Register(group, huma.Operation{
		OperationID: "identity-register",
		Method:      http.MethodPost,
		Path:        path.Join(basePath, "identities"),
		Summary:     "Register an identity",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body struct {
			ID          string `json:"id,omitempty"`
			Role        string `json:"role" enum:"requester,provider,moderator"`
			DisplayName string `json:"display_name,omitempty"`
		}
	}) (*struct {
		Body identityResponse
	}, error) {
		ident, err := s.gw.Engine.RegisterIdentity(ctx, engineIdentityOptions(input.Body.ID, input.Body.Role, input.Body.DisplayName))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body identityResponse }{Body: identityToResponse(ident)}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "identity-list",
		Method:      http.MethodGet,
		Path:        path.Join(basePath, "identities"),
		Summary:     "List identities",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Items []identityResponse `json:"items"`
		}
	}, error) {
		idents, err := s.gw.Engine.Repo.ListIdentities(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Items []identityResponse `json:"items"`
			}
		}{}
		resp.Body.Items = make([]identityResponse, 0, len(idents))
		for _, i := range idents {
			resp.Body.Items = append(resp.Body.Items, identityToResponse(i))
		}
		return resp, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "identity-get",
		Method:      http.MethodGet,
		Path:        path.Join(basePath, "identities/{id}"),
		Summary:     "Fetch an identity",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body identityResponse
	}, error) {
		ident, err := s.gw.Engine.Repo.GetIdentity(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body identityResponse }{Body: identityToResponse(ident)}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "identity-create-key",
		Method:      http.MethodPost,
		Path:        path.Join(basePath, "identities/{id}/keys"),
		Summary:     "Mint an API key for an identity",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Name string `json:"name,omitempty"`
		}
	}) (*struct {
		Body struct {
			ID        string `json:"id"`
			Name      string `json:"name,omitempty"`
			Key       string `json:"key"`
			CreatedAt string `json:"created_at"`
		}
	}, error) {
		actor, herr := identityFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		if actor != input.ID {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "keys can only be minted for your own identity", nil)
		}
		key, raw, err := s.gw.Engine.CreateAPIKey(ctx, input.ID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				ID        string `json:"id"`
				Name      string `json:"name,omitempty"`
				Key       string `json:"key"`
				CreatedAt string `json:"created_at"`
			}
		}{}
		resp.Body.ID = key.ID
		resp.Body.Name = key.Name
		resp.Body.Key = raw
		resp.Body.CreatedAt = key.CreatedAt
		return resp, nil
	})
}

func (s *server) registerEngagements(group huma.API, basePath string) {
	huma.Register(group, huma.Operation{
		OperationID: "engagement-create",
		Method:      http.MethodPost,
		Path:        path.Join(basePath, "engagements"),
		Summary:     "Open an engagement in status negotiating",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body struct {
			RequesterID string `json:"requester_id" minLength:"1"`
			ProviderID  string `json:"provider_id" minLength:"1"`
			ListingRef  string `json:"listing_ref,omitempty"`
			ThreadID    string `json:"thread_id,omitempty"`
		}
	}) (*struct {
		Body engagementResponse
	}, error) {
		actor, herr := identityFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		e, err := s.gw.Engine.CreateEngagement(ctx, engineEngagementOptions(input.Body.RequesterID, input.Body.ProviderID, input.Body.ListingRef, input.Body.ThreadID, actor))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body engagementResponse }{Body: engagementToResponse(e)}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "engagement-list",
		Method:      http.MethodGet,
		Path:        path.Join(basePath, "engagements"),
		Summary:     "List engagements the caller takes part in",
	}, func(ctx context.Context, input *struct {
		Role   string `query:"role" enum:",requester,provider"`
		Status string `query:"status" enum:",negotiating,accepted,completed,finalized,rejected,cancelled"`
		Limit  int    `query:"limit" minimum:"0" maximum:"200"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body struct {
			Items      []engagementResponse `json:"items"`
			NextCursor string               `json:"next_cursor,omitempty"`
		}
	}, error) {
		actor, herr := identityFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		filters := repo.EngagementFilters{
			IdentityID: actor,
			Role:       input.Role,
			Status:     input.Status,
			Limit:      limit + 1,
		}
		if input.Cursor != "" {
			createdAt, id, ok := decodeListCursor(input.Cursor)
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "malformed cursor", nil)
			}
			filters.CursorCreatedAt = createdAt
			filters.CursorID = id
		}
		items, err := s.gw.Engine.Repo.ListEngagements(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Items      []engagementResponse `json:"items"`
				NextCursor string               `json:"next_cursor,omitempty"`
			}
		}{}
		if len(items) > limit {
			items = items[:limit]
			last := items[len(items)-1]
			resp.Body.NextCursor = encodeListCursor(last.CreatedAt, last.ID)
		}
		resp.Body.Items = engagementsToResponses(items)
		return resp, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "engagement-get",
		Method:      http.MethodGet,
		Path:        path.Join(basePath, "engagements/{id}"),
		Summary:     "Fetch an engagement",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body engagementResponse
	}, error) {
		actor, herr := identityFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		e, err := s.gw.Engine.Repo.GetEngagement(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if actor != e.RequesterID && actor != e.ProviderID {
			return nil, handleError(domain.ErrUnauthorized)
		}
		return &struct{ Body engagementResponse }{Body: engagementToResponse(e)}, nil
	})

	type transitionFn func(ctx context.Context, id, actorID string) (domain.Engagement, error)
	transitions := []struct {
		action  string
		summary string
		apply   transitionFn
	}{
		{"accept", "Accept an engagement", s.gw.Accept},
		{"complete", "Mark an engagement completed", s.gw.MarkCompleted},
		{"finalize", "Finalize a completed engagement", s.gw.Finalize},
		{"reject", "Reject an engagement under negotiation", s.gw.Reject},
	}
	for _, t := range transitions {
		apply := t.apply
		huma.Register(group, huma.Operation{
			OperationID: "engagement-" + t.action,
			Method:      http.MethodPost,
			Path:        path.Join(basePath, "engagements/{id}/"+t.action),
			Summary:     t.summary,
			Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *struct {
			ID string `path:"id"`
		}) (*struct {
			Body engagementResponse
		}, error) {
			actor, herr := identityFromContext(ctx)
			if herr != nil {
				return nil, herr
			}
			e, err := apply(ctx, input.ID, actor)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct{ Body engagementResponse }{Body: engagementToResponse(e)}, nil
		})
	}

	huma.Register(group, huma.Operation{
		OperationID: "engagement-cancel",
		Method:      http.MethodPost,
		Path:        path.Join(basePath, "engagements/{id}/cancel"),
		Summary:     "Cancel an engagement with a reason",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Reason string `json:"reason" minLength:"1"`
		}
	}) (*struct {
		Body engagementResponse
	}, error) {
		actor, herr := identityFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		e, err := s.gw.Cancel(ctx, input.ID, actor, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body engagementResponse }{Body: engagementToResponse(e)}, nil
	})
}

func (s *server) registerThreads(group huma.API, basePath string) {
	huma.Register(group, huma.Operation{
		OperationID: "thread-open",
		Method:      http.MethodPost,
		Path:        path.Join(basePath, "threads"),
		Summary:     "Open a conversation thread",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body struct {
			ParticipantIDs []string `json:"participant_ids" minItems:"2" maxItems:"3"`
		}
	}) (*struct {
		Body threadResponse
	}, error) {
		actor, herr := identityFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		t, err := s.gw.Engine.OpenThread(ctx, engineThreadOptions(input.Body.ParticipantIDs, actor))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body threadResponse }{Body: threadToResponse(t)}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "thread-list",
		Method:      http.MethodGet,
		Path:        path.Join(basePath, "threads"),
		Summary:     "List the caller's threads, most recently active first",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Items []threadResponse `json:"items"`
		}
	}, error) {
		actor, herr := identityFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		summaries, err := s.gw.ThreadsFor(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Items []threadResponse `json:"items"`
			}
		}{}
		resp.Body.Items = make([]threadResponse, 0, len(summaries))
		for _, sum := range summaries {
			resp.Body.Items = append(resp.Body.Items, threadSummaryToResponse(sum))
		}
		return resp, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "thread-get",
		Method:      http.MethodGet,
		Path:        path.Join(basePath, "threads/{id}"),
		Summary:     "Fetch a thread with its participants",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body threadResponse
	}, error) {
		actor, herr := identityFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		t, err := s.gw.Engine.Authorize(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		parts, err := s.gw.Engine.Repo.ListParticipants(ctx, t.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := threadToResponse(t)
		resp.Participants = make([]participantResponse, 0, len(parts))
		for _, p := range parts {
			resp.Participants = append(resp.Participants, participantResponse{
				IdentityID: p.IdentityID,
				Role:       string(p.Role),
				JoinedAt:   p.JoinedAt,
			})
		}
		return &struct{ Body threadResponse }{Body: resp}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "thread-join",
		Method:      http.MethodPost,
		Path:        path.Join(basePath, "threads/{id}/join"),
		Summary:     "Join a thread as a moderator",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body participantResponse
	}, error) {
		actor, herr := identityFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		p, err := s.gw.Engine.JoinThread(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body participantResponse }{Body: participantResponse{
			IdentityID: p.IdentityID,
			Role:       string(p.Role),
			JoinedAt:   p.JoinedAt,
		}}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "thread-close",
		Method:      http.MethodPost,
		Path:        path.Join(basePath, "threads/{id}/close"),
		Summary:     "Close a thread to further messages",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body threadResponse
	}, error) {
		actor, herr := identityFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		if _, err := s.gw.Engine.Authorize(ctx, input.ID, actor); err != nil {
			return nil, handleError(err)
		}
		if err := s.gw.CloseThread(ctx, input.ID, actor); err != nil {
			return nil, handleError(err)
		}
		t, err := s.gw.Engine.Repo.GetThread(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body threadResponse }{Body: threadToResponse(t)}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "message-send",
		Method:      http.MethodPost,
		Path:        path.Join(basePath, "threads/{id}/messages"),
		Summary:     "Append a message to a thread",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Content string `json:"content" minLength:"1"`
		}
	}) (*struct {
		Body messageResponse
	}, error) {
		actor, herr := identityFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		m, err := s.gw.Send(ctx, input.ID, actor, input.Body.Content, nil)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body messageResponse }{Body: messageToResponse(m)}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "message-history",
		Method:      http.MethodGet,
		Path:        path.Join(basePath, "threads/{id}/messages"),
		Summary:     "Read thread history in seq order",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID       string `path:"id"`
		AfterSeq int64  `query:"after_seq" minimum:"0"`
		Limit    int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body struct {
			Items        []messageResponse `json:"items"`
			NextAfterSeq int64             `json:"next_after_seq,omitempty"`
		}
	}, error) {
		actor, herr := identityFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 100
		}
		items, err := s.gw.History(ctx, input.ID, actor, input.AfterSeq, limit+1)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Items        []messageResponse `json:"items"`
				NextAfterSeq int64             `json:"next_after_seq,omitempty"`
			}
		}{}
		if len(items) > limit {
			items = items[:limit]
			resp.Body.NextAfterSeq = items[len(items)-1].Seq
		}
		resp.Body.Items = messagesToResponses(items)
		return resp, nil
	})
}

func (s *server) registerEvents(group huma.API, basePath string) {
	huma.Register(group, huma.Operation{
		OperationID: "event-list",
		Method:      http.MethodGet,
		Path:        path.Join(basePath, "events"),
		Summary:     "Poll the event log after a cursor",
	}, func(ctx context.Context, input *struct {
		Cursor string `query:"cursor"`
		Limit  int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body struct {
			Items      []eventResponse `json:"items"`
			NextCursor string          `json:"next_cursor,omitempty"`
		}
	}, error) {
		var cursor int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed < 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "malformed cursor", nil)
			}
			cursor = parsed
		}
		events, err := s.gw.Engine.Repo.EventsAfter(ctx, input.Limit, cursor)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Items      []eventResponse `json:"items"`
				NextCursor string          `json:"next_cursor,omitempty"`
			}
		}{}
		resp.Body.Items = make([]eventResponse, 0, len(events))
		for _, e := range events {
			resp.Body.Items = append(resp.Body.Items, eventToResponse(e))
		}
		if len(events) > 0 {
			resp.Body.NextCursor = strconv.FormatInt(events[len(events)-1].ID, 10)
		}
		return resp, nil
	})
}

// list cursors pack the created_at timestamp and row id of the last
// item; both survive URL transport as-is.
func encodeListCursor(createdAt, id string) string {
	return createdAt + "|" + id
}

func decodeListCursor(cursor string) (createdAt, id string, ok bool) {
	i := strings.LastIndex(cursor, "|")
	if i <= 0 || i == len(cursor)-1 {
		return "", "", false
	}
	return cursor[:i], cursor[i+1:], true
}
