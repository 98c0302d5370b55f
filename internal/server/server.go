package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"gigflow/internal/domain"
	"gigflow/internal/engine"
	"gigflow/internal/engine/auth"
	"gigflow/internal/realtime"
	"gigflow/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine         engine.Engine
	Users          auth.Service
	Registry       *realtime.Registry
	BasePath       string
	Auth           AuthConfig
	AllowedOrigins []string
	Realtime       realtime.WSOptions
	Logger         *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"gig is already assigned"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the gigflow API and the live
// notification socket.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Registry == nil {
		return nil, errors.New("server: registry is required")
	}
	if cfg.Auth.Tokens.Secret == "" {
		return nil, errors.New("server: jwt secret is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
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
	router.Use(middleware.RequestID)
	router.Use(accessLog(logger))
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))

	hcfg := huma.DefaultConfig("Gigflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Registry)
	registerAuth(group, cfg.Users, cfg.Auth)
	registerGigs(group, cfg.Engine)
	registerBids(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	router.Method(http.MethodGet, path.Join(basePath, "ws"), &realtime.Handler{
		Registry: cfg.Registry,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(cfg.AllowedOrigins),
		},
		Options: cfg.Realtime,
		Logger:  logger,
		UserID: func(r *http.Request) (string, bool) {
			p, ok := principalFromContext(r.Context())
			return p.UserID, ok
		},
	})

	return router, nil
}

func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// checkOrigin accepts non-browser clients, configured origins and same-host
// pages.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if slices.Contains(allowed, origin) || slices.Contains(allowed, "*") {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", publicMessage(err, domain.ErrForbidden), map[string]any{
			"action":   fe.Action,
			"resource": fe.Resource,
		})
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrForbidden):
		return newAPIError(http.StatusForbidden, "forbidden", publicMessage(err, domain.ErrForbidden), nil)
	case errors.Is(err, domain.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", publicMessage(err, domain.ErrConflict), map[string]any{"retryable": true})
	case errors.Is(err, domain.ErrValidation):
		return newAPIError(http.StatusBadRequest, "bad_request", publicMessage(err, domain.ErrValidation), nil)
	case errors.Is(err, domain.ErrUnauthorized):
		return newAPIError(http.StatusUnauthorized, "invalid_credentials", publicMessage(err, domain.ErrUnauthorized), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}

// publicMessage drops the trailing sentinel text from wrapped errors.
func publicMessage(err, sentinel error) string {
	msg := err.Error()
	if trimmed := strings.TrimSuffix(msg, ": "+sentinel.Error()); trimmed != "" {
		return trimmed
	}
	return msg
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

// applyAuthSecurity marks every operation as bearer or cookie protected
// except the public ones.
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
	oas.Components.SecuritySchemes["cookieAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "cookie",
		Name: "token",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"cookieAuth": {}},
	}
	public := map[string]bool{
		path.Join(basePath, "health"):        true,
		path.Join(basePath, "auth/register"): true,
		path.Join(basePath, "auth/login"):    true,
	}
	for route, item := range oas.Paths {
		for method, op := range map[string]*huma.Operation{
			http.MethodGet: item.Get, http.MethodPost: item.Post, http.MethodPatch: item.Patch,
		} {
			if op == nil {
				continue
			}
			if public[route] || (method == http.MethodGet && strings.HasPrefix(route, path.Join(basePath, "gigs")) && !strings.Contains(route, "/bids") && !strings.Contains(route, "/events")) {
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
    <title>Gigflow API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or the session cookie.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, registry *realtime.Registry) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok", Realtime: registry.Stats()}}, nil
	})
}

type sessionOutput struct {
	SetCookie http.Cookie     `header:"Set-Cookie"`
	Body      SessionResponse `json:"body"`
}

func registerAuth(api huma.API, users auth.Service, authCfg AuthConfig) {
	session := func(u domain.User) (*sessionOutput, error) {
		token, expires, err := users.Tokens.Issue(u)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionOutput{
			SetCookie: sessionCookie(authCfg, token, expires),
			Body: SessionResponse{
				User:      userResponse(u),
				Token:     token,
				ExpiresAt: expires.UTC().Format(time.RFC3339),
			},
		}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID:   "register",
		Method:        http.MethodPost,
		Path:          "/auth/register",
		Summary:       "Create an account and start a session",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RegisterRequest `json:"body"`
	}) (*sessionOutput, error) {
		u, err := users.Register(ctx, input.Body.Name, input.Body.Email, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		return session(u)
	})

	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Start a session",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*sessionOutput, error) {
		u, err := users.Login(ctx, input.Body.Email, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		return session(u)
	})

	huma.Register(api, huma.Operation{
		OperationID: "logout",
		Method:      http.MethodPost,
		Path:        "/auth/logout",
		Summary:     "Clear the session cookie",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		SetCookie http.Cookie       `header:"Set-Cookie"`
		Body      map[string]string `json:"body"`
	}, error) {
		c := sessionCookie(authCfg, "", time.Unix(0, 0))
		c.MaxAge = -1
		return &struct {
			SetCookie http.Cookie       `header:"Set-Cookie"`
			Body      map[string]string `json:"body"`
		}{SetCookie: c, Body: map[string]string{"message": "logged out"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := users.User(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})
}

func registerGigs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-gigs",
		Method:      http.MethodGet,
		Path:        "/gigs",
		Summary:     "List gigs, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Search string `query:"search"`
		Status string `query:"status" enum:"open,assigned,all"`
		Mine   bool   `query:"mine"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body GigListResponse `json:"body"`
	}, error) {
		filter := repo.GigFilter{
			Search: input.Search,
			Status: input.Status,
			Limit:  normalizeLimit(input.Limit),
		}
		if input.Mine {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			filter.OwnerID = actorID
		}
		items, err := e.ListGigs(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GigListResponse `json:"body"`
		}{Body: GigListResponse{Count: len(items), Items: mapGigs(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-gig",
		Method:        http.MethodPost,
		Path:          "/gigs",
		Summary:       "Post a gig",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateGigRequest `json:"body"`
	}) (*struct {
		Body GigResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.CreateGig(ctx, engine.GigCreateOptions{
			OwnerID:     actorID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Budget:      input.Body.Budget,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GigResponse `json:"body"`
		}{Body: gigResponse(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-gig",
		Method:      http.MethodGet,
		Path:        "/gigs/{gig_id}",
		Summary:     "Get a gig",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GigID string `path:"gig_id"`
	}) (*struct {
		Body GigResponse `json:"body"`
	}, error) {
		g, err := e.GetGig(ctx, input.GigID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GigResponse `json:"body"`
		}{Body: gigResponse(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-gig-bids",
		Method:      http.MethodGet,
		Path:        "/gigs/{gig_id}/bids",
		Summary:     "List the bids on a gig you own",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GigID string `path:"gig_id"`
	}) (*struct {
		Body BidListResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListBids(ctx, input.GigID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BidListResponse `json:"body"`
		}{Body: BidListResponse{Count: len(items), Items: mapBids(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-gig-events",
		Method:      http.MethodGet,
		Path:        "/gigs/{gig_id}/events",
		Summary:     "Audit trail of a gig you own",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GigID string `path:"gig_id"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.GigEvents(ctx, input.GigID, actorID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		resp := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			resp = append(resp, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerBids(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "place-bid",
		Method:        http.MethodPost,
		Path:          "/bids",
		Summary:       "Bid on an open gig",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body PlaceBidRequest `json:"body"`
	}) (*struct {
		Body BidResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.PlaceBid(ctx, engine.BidPlaceOptions{
			GigID:    input.Body.GigID,
			BidderID: actorID,
			Message:  input.Body.Message,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BidResponse `json:"body"`
		}{Body: bidResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "hire-bid",
		Method:      http.MethodPatch,
		Path:        "/bids/{bid_id}/hire",
		Summary:     "Hire the freelancer behind a bid",
		Description: "Assigns the gig, marks the bid hired and rejects every other pending bid in one transaction. " +
			"The hired freelancer is notified over their live connections after commit.",
		Errors: []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		BidID string `path:"bid_id"`
	}) (*struct {
		Body HireResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Hire(ctx, engine.HireRequest{BidID: input.BidID, ActorID: actorID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HireResponse `json:"body"`
		}{Body: hireResponse(res)}, nil
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
