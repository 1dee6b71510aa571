package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"sitepush/internal/domain"
	"sitepush/internal/engine"
	"sitepush/internal/github"
	"sitepush/internal/login"
	"sitepush/internal/records"
	"sitepush/internal/repo"
	"sitepush/internal/session"
)

const maxDeltaBytes = 8 << 20

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Repo     repo.Repo
	Sessions *session.Manager
	// Login is optional; without it /auth/login and /auth/callback are not
	// mounted and sessions must be created out of band.
	Login             *login.Flow
	Hub               *Hub
	Location          domain.Location
	AllowedOrigins    []string
	PostLoginRedirect string
	Logger            logrus.FieldLogger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"remote_read"`
	Message string         `json:"message" example:"remote read failed: status 404"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope shared by every route.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func init() {
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
}

// New returns an HTTP handler exposing the sitepush API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("server: session manager is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.PostLoginRedirect == "" {
		cfg.PostLoginRedirect = "/"
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(log))
	router.Use(middleware.Recoverer)
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	router.Use(newAuthMiddleware(cfg.Sessions, log))

	hcfg := huma.DefaultConfig("Sitepush API", "1.0.0")
	hcfg.OpenAPIPath = "" // served by registerOpenAPI
	hcfg.DocsPath = ""
	// Bodies keep the plain shape browser clients expect, without $schema links.
	hcfg.CreateHooks = nil
	api := humachi.New(router, hcfg)

	registerDocs(router)
	registerHealth(api)
	registerMe(api)
	registerLogout(api, cfg.Sessions)
	registerUpdateMarkers(api, cfg)
	registerDeployStatus(api, cfg)
	registerQueue(api, cfg.Engine)
	registerJobs(api, cfg.Repo)
	if cfg.Login != nil {
		registerLogin(router, cfg, log)
	}
	if cfg.Hub != nil {
		router.Get("/api/events", cfg.Hub.serveStream(cfg.AllowedOrigins))
	}
	registerOpenAPI(router, api, cfg.Sessions.CookieName())

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
	var (
		se *apiError
		ve *domain.ValidationError
		re *domain.RemoteReadError
		we *domain.RemoteWriteError
		de *domain.DeploymentFailedError
		ge *github.HTTPError
		oe *oauth2.RetrieveError
	)
	switch {
	case errors.As(err, &se):
		return se
	case errors.Is(err, session.ErrUnauthenticated):
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrStopped):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	case errors.Is(err, login.ErrStateMismatch), errors.Is(err, login.ErrMissingCode):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.As(err, &ve):
		return newAPIError(http.StatusBadRequest, string(domain.KindValidation), err.Error(), nil)
	case errors.As(err, &de):
		return newAPIError(http.StatusBadGateway, string(domain.KindDeploymentFailed), err.Error(), nil)
	case errors.As(err, &we):
		return newAPIError(http.StatusBadGateway, string(domain.KindRemoteWrite), err.Error(), statusDetails(we.Status))
	case errors.As(err, &re):
		return newAPIError(http.StatusBadGateway, string(domain.KindRemoteRead), err.Error(), statusDetails(re.Status))
	case errors.As(err, &ge):
		return newAPIError(http.StatusBadGateway, "github_error", err.Error(), statusDetails(ge.Status))
	case errors.As(err, &oe):
		return newAPIError(http.StatusBadGateway, "login_failed", "github rejected the authorization code", nil)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return newAPIError(http.StatusGatewayTimeout, "timeout", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func statusDetails(status int) map[string]any {
	if status == 0 {
		return nil
	}
	return map[string]any{"status": status}
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

func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.WithFields(logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			}).Debug("request")
		})
	}
}

func engineSession(s domain.Session, loc domain.Location) engine.Session {
	return engine.Session{Credential: s.AccessToken, Identity: s.Username, Location: loc}
}

func registerDocs(r chi.Router) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML())
	})
}

func registerOpenAPI(r chi.Router, api huma.API, cookieName string) {
	var (
		once sync.Once
		spec []byte
	)
	r.Get("/openapi.json", func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, cookieName)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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

func applyAuthSecurity(oas *huma.OpenAPI, cookieName string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["cookieAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "cookie",
		Name: cookieName,
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{
		{"cookieAuth": {}},
		{"bearerAuth": {}},
	}
	oas.Security = security
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == "/health" || route == "/auth/me" {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML() string {
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Sitepush API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui',
          withCredentials: true
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Sign in through /auth/login, or send Authorization: Bearer &lt;session token&gt;.
    </p>
  </body>
</html>`, "/openapi.json")
}

func registerHealth(api huma.API) {
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
		}{Body: HealthResponse{Status: "ok"}}, nil
	})
}

func registerMe(api huma.API) {
	type meOutput struct {
		Status int
		Body   MeResponse
	}
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/auth/me",
		Summary:     "Current session",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*meOutput, error) {
		s, ok := sessionFromContext(ctx)
		if !ok {
			return &meOutput{Status: http.StatusUnauthorized, Body: MeResponse{Authorized: false}}, nil
		}
		return &meOutput{Status: http.StatusOK, Body: MeResponse{
			Authorized: true,
			Username:   s.Username,
			ExpiresAt:  s.ExpiresAt,
		}}, nil
	})
}

func registerLogout(api huma.API, sessions *session.Manager) {
	huma.Register(api, huma.Operation{
		OperationID: "logout",
		Method:      http.MethodPost,
		Path:        "/auth/logout",
		Summary:     "End the current session",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		SetCookie string `header:"Set-Cookie"`
		Body      LogoutResponse
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		if err := sessions.Destroy(ctx, p.Token); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			SetCookie string `header:"Set-Cookie"`
			Body      LogoutResponse
		}{SetCookie: sessions.ExpiredCookie().String(), Body: LogoutResponse{OK: true}}, nil
	})
}

func registerUpdateMarkers(api huma.API, cfg Config) {
	type updateInput struct {
		RawBody []byte `contentType:"application/json"`
	}
	type updateOutput struct {
		Status int
		Body   UpdateMarkersResponse
	}
	huma.Register(api, huma.Operation{
		OperationID:  "update-markers",
		Method:       http.MethodPost,
		Path:         "/api/update-markers",
		Summary:      "Submit a delta and wait for it to deploy",
		MaxBodyBytes: maxDeltaBytes,
		// records.DecodeDelta validates the body and reports the {ok:false} shape.
		SkipValidateBody: true,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *updateInput) (*updateOutput, error) {
		s, authErr := requireSession(ctx)
		if authErr != nil {
			return nil, authErr
		}
		delta, err := records.DecodeDelta(input.RawBody)
		if err != nil {
			if domain.KindOf(err) != domain.KindValidation {
				return nil, handleError(err)
			}
			return &updateOutput{Status: http.StatusBadRequest, Body: UpdateMarkersResponse{
				OK:    false,
				Kind:  string(domain.KindValidation),
				Error: err.Error(),
			}}, nil
		}
		h, err := cfg.Engine.Submit(ctx, delta, engineSession(s, cfg.Location))
		if err != nil {
			return nil, handleError(err)
		}
		res, err := h.Wait(ctx)
		if err != nil {
			// The job keeps running; its outcome lands in /api/jobs/{job_id}.
			return &updateOutput{Status: http.StatusGatewayTimeout, Body: UpdateMarkersResponse{
				OK:    false,
				JobID: h.JobID(),
				Kind:  string(domain.KindInternal),
				Error: "request ended before the job finished",
			}}, nil
		}
		if !res.OK {
			return &updateOutput{Status: http.StatusInternalServerError, Body: UpdateMarkersResponse{
				OK:    false,
				JobID: res.JobID,
				Kind:  string(res.Kind()),
				Error: res.Err.Error(),
			}}, nil
		}
		build := res.Build
		return &updateOutput{Status: http.StatusOK, Body: UpdateMarkersResponse{
			OK:        true,
			JobID:     res.JobID,
			CommitSHA: res.CommitSHA,
			Polls:     res.Polls,
			Build:     &build,
		}}, nil
	})
	describeDeltaBody(api, "/api/update-markers")
}

// describeDeltaBody documents the JSON delta in place of the binary schema huma
// derives from a raw body, and lets an empty body through to the handler.
func describeDeltaBody(api huma.API, path string) {
	item := api.OpenAPI().Paths[path]
	if item == nil || item.Post == nil || item.Post.RequestBody == nil {
		return
	}
	rb := item.Post.RequestBody
	rb.Required = false
	rb.Content = map[string]*huma.MediaType{
		"application/json": {
			Schema: huma.SchemaFromType(api.OpenAPI().Components.Schemas, reflect.TypeOf(UpdateMarkersRequest{})),
		},
	}
}

func registerDeployStatus(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "deploy-status",
		Method:      http.MethodGet,
		Path:        "/api/deploy-status",
		Summary:     "Latest deployment build",
		Errors:      []int{http.StatusUnauthorized, http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Build `json:"body"`
	}, error) {
		s, authErr := requireSession(ctx)
		if authErr != nil {
			return nil, authErr
		}
		build, err := cfg.Engine.DeploymentStatus(ctx, engineSession(s, cfg.Location))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Build `json:"body"`
		}{Body: build}, nil
	})
}

func registerQueue(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "queue",
		Method:      http.MethodGet,
		Path:        "/api/queue",
		Summary:     "Job runner state",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Snapshot `json:"body"`
	}, error) {
		if _, authErr := requireSession(ctx); authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body engine.Snapshot `json:"body"`
		}{Body: e.Snapshot()}, nil
	})
}

func registerJobs(api huma.API, r repo.Repo) {
	type listInput struct {
		Limit    int    `query:"limit" default:"20" minimum:"1"`
		State    string `query:"state"`
		Identity string `query:"identity"`
		Mine     bool   `query:"mine"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/api/jobs",
		Summary:     "Recent jobs, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *listInput) (*struct {
		Body JobListResponse `json:"body"`
	}, error) {
		s, authErr := requireSession(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := repo.JobFilters{Identity: input.Identity, State: input.State, Limit: input.Limit}
		if input.Mine {
			f.Identity = s.Username
		}
		jobs, err := r.ListJobs(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobListResponse `json:"body"`
		}{Body: JobListResponse{Jobs: nonNilJobs(jobs)}}, nil
	})

	type jobPath struct {
		JobID string `path:"job_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/api/jobs/{job_id}",
		Summary:     "One job",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		if _, authErr := requireSession(ctx); authErr != nil {
			return nil, authErr
		}
		job, err := r.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: job}, nil
	})

	type jobEventsInput struct {
		JobID string `path:"job_id"`
		Limit int    `query:"limit" default:"50" minimum:"1"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-job-events",
		Method:      http.MethodGet,
		Path:        "/api/jobs/{job_id}/events",
		Summary:     "Recorded transitions of one job, newest first",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *jobEventsInput) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		if _, authErr := requireSession(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := r.GetJob(ctx, input.JobID); err != nil {
			return nil, handleError(err)
		}
		events, err := r.LatestEvents(ctx, repo.EventFilters{JobID: input.JobID, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Events: nonNilEvents(events)}}, nil
	})
}

func registerLogin(r chi.Router, cfg Config, log logrus.FieldLogger) {
	r.Get("/auth/login", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, cfg.Login.Begin(w), http.StatusFound)
	})
	r.Get("/auth/callback", func(w http.ResponseWriter, req *http.Request) {
		res, err := cfg.Login.Complete(w, req)
		if err != nil {
			log.WithError(err).Warn("login: callback failed")
			respondStatusError(w, handleError(err))
			return
		}
		http.SetCookie(w, cfg.Sessions.Cookie(res.Token, res.Expires))
		log.WithField("identity", res.Session.Username).Info("login: session created")
		http.Redirect(w, req, cfg.PostLoginRedirect, http.StatusFound)
	})
}
