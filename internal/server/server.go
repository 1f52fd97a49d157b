package server

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"taskpoints/internal/engine"
	"taskpoints/internal/logging"
	"taskpoints/internal/report"
	"taskpoints/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
	// LogPath is the slog text file summarized by /reports/logs.
	LogPath string
}

type apiErrorBody struct {
	Code    string         `json:"code" xml:"code" example:"not_found"`
	Message string         `json:"message" xml:"message" example:"not found"`
	Details map[string]any `json:"details,omitempty" xml:"-" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope {"error":{code,message,details}}.
type apiError struct {
	XMLName xml.Name `json:"-" xml:"response"`
	status  int
	Body    apiErrorBody `json:"error" xml:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

var xmlFormat = huma.Format{
	Marshal: func(w io.Writer, v any) error {
		return xml.NewEncoder(w).Encode(v)
	},
	Unmarshal: xml.Unmarshal,
}

// New returns an HTTP handler exposing the taskpoints API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
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
			msgs := make([]string, 0, len(errs))
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(newRequestContext(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine))
	hcfg := huma.DefaultConfig("Taskpoints API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	// no $schema links, they would leak into XML bodies
	hcfg.CreateHooks = nil
	hcfg.Formats["application/xml"] = xmlFormat
	hcfg.Formats["xml"] = xmlFormat
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTasks(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerHistories(group, cfg.Engine)
	registerRewards(group, cfg.Engine)
	registerReports(group, cfg.Engine, cfg.LogPath)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// newRequestContext tags each request with an id and a child logger.
func newRequestContext(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-Id", id)
			l := logger.With("request_id", id)
			ctx := logging.WithRequestID(r.Context(), id)
			ctx = logging.WithLogger(ctx, l)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))
			l.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start))
		})
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

func handleError(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalid):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	default:
		logging.FromContext(ctx, nil).Error("request failed", "error", err)
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas)
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
		for _, op := range []*huma.Operation{item.Get, item.Post, item.Patch, item.Delete} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{Description: "Error"}
		}
	}
}

// applyAuthSecurity marks write operations as requiring a bearer token or API key.
func applyAuthSecurity(oas *huma.OpenAPI) {
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
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Post, item.Patch, item.Delete} {
			if op != nil {
				op.Security = security
			}
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
    <title>Taskpoints API Docs</title>
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
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct{ Body HealthResponse }, error) {
		return &struct{ Body HealthResponse }{Body: HealthResponse{Status: "ok"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "welcome",
		Method:      http.MethodGet,
		Path:        "/",
		Summary:     "Welcome",
	}, func(ctx context.Context, _ *struct{}) (*struct{ Body WelcomeResponse }, error) {
		return &struct{ Body WelcomeResponse }{Body: WelcomeResponse{
			Message: "Welcome to the taskpoints API",
			Docs:    "/docs",
		}}, nil
	})
}

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusInternalServerError,
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest
	}) (*taskOutput, error) {
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Points:      input.Body.Points,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, _ *struct{}) (*taskListOutput, error) {
		items, err := e.ListTasks(ctx)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &taskListOutput{Body: TaskList{Items: emptyIfNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*taskOutput, error) {
		t, err := e.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Update task",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64 `path:"id" minimum:"1"`
		Body UpdateTaskRequest
	}) (*taskOutput, error) {
		t, err := e.UpdateTask(ctx, engine.TaskUpdateOptions{
			ID:          input.ID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Points:      input.Body.Points,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &taskOutput{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{id}",
		Summary:       "Delete task",
		DefaultStatus: http.StatusNoContent,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		if err := e.DeleteTask(ctx, input.ID); err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct{}{}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Create user",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest
	}) (*userOutput, error) {
		u, err := e.CreateUser(ctx, engine.UserCreateOptions{
			Name:   input.Body.Name,
			Age:    input.Body.Age,
			Gender: input.Body.Gender,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &userOutput{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
	}, func(ctx context.Context, _ *struct{}) (*userListOutput, error) {
		items, err := e.ListUsers(ctx)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &userListOutput{Body: UserList{Items: emptyIfNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-user",
		Method:      http.MethodGet,
		Path:        "/users/{id}",
		Summary:     "Get user",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*userOutput, error) {
		u, err := e.GetUser(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &userOutput{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-user",
		Method:      http.MethodPatch,
		Path:        "/users/{id}",
		Summary:     "Update user",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64 `path:"id" minimum:"1"`
		Body UpdateUserRequest
	}) (*userOutput, error) {
		u, err := e.UpdateUser(ctx, engine.UserUpdateOptions{
			ID:     input.ID,
			Name:   input.Body.Name,
			Age:    input.Body.Age,
			Gender: input.Body.Gender,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &userOutput{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-user",
		Method:        http.MethodDelete,
		Path:          "/users/{id}",
		Summary:       "Delete user",
		DefaultStatus: http.StatusNoContent,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		if err := e.DeleteUser(ctx, input.ID); err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct{}{}, nil
	})
}

func registerHistories(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-history",
		Method:        http.MethodPost,
		Path:          "/histories",
		Summary:       "Create history",
		Description:   "A history created finalized issues a reward for the user's current points.",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateHistoryRequest
	}) (*historyOutput, error) {
		h, err := e.CreateHistory(ctx, engine.HistoryCreateOptions{
			Name:        input.Body.Name,
			Description: input.Body.Description,
			UserID:      input.Body.UserID,
			TaskID:      input.Body.TaskID,
			Finalized:   input.Body.Finalized,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &historyOutput{Body: h}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-histories",
		Method:      http.MethodGet,
		Path:        "/histories",
		Summary:     "List histories",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		UserID    int64  `query:"user_id"`
		Finalized string `query:"finalized" enum:"true,false"`
	}) (*historyListOutput, error) {
		f := repo.HistoryFilters{UserID: input.UserID}
		if input.Finalized != "" {
			v := input.Finalized == "true"
			f.Finalized = &v
		}
		items, err := e.ListHistories(ctx, f)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &historyListOutput{Body: HistoryList{Items: emptyIfNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-history",
		Method:      http.MethodGet,
		Path:        "/histories/{id}",
		Summary:     "Get history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*historyOutput, error) {
		h, err := e.GetHistory(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &historyOutput{Body: h}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-history",
		Method:      http.MethodPatch,
		Path:        "/histories/{id}",
		Summary:     "Update history",
		Description: "Setting finalized from false to true issues a reward.",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64 `path:"id" minimum:"1"`
		Body UpdateHistoryRequest
	}) (*historyOutput, error) {
		h, err := e.UpdateHistory(ctx, engine.HistoryUpdateOptions{
			ID:          input.ID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Finalized:   input.Body.Finalized,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &historyOutput{Body: h}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-history",
		Method:        http.MethodDelete,
		Path:          "/histories/{id}",
		Summary:       "Delete history",
		DefaultStatus: http.StatusNoContent,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		if err := e.DeleteHistory(ctx, input.ID); err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct{}{}, nil
	})
}

func registerRewards(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rewards",
		Method:      http.MethodGet,
		Path:        "/rewards",
		Summary:     "List rewards",
	}, func(ctx context.Context, input *struct {
		HistoryID int64 `query:"history_id"`
	}) (*rewardListOutput, error) {
		items, err := e.ListRewards(ctx, input.HistoryID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &rewardListOutput{Body: RewardList{Items: emptyIfNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-reward",
		Method:      http.MethodGet,
		Path:        "/rewards/{id}",
		Summary:     "Get reward",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*rewardOutput, error) {
		rw, err := e.GetReward(ctx, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &rewardOutput{Body: rw}, nil
	})
}

func registerReports(api huma.API, e engine.Engine, logPath string) {
	huma.Register(api, huma.Operation{
		OperationID: "report-summary",
		Method:      http.MethodGet,
		Path:        "/reports/summary",
		Summary:     "Dashboard summary",
	}, func(ctx context.Context, _ *struct{}) (*summaryOutput, error) {
		s, err := report.Build(ctx, e.Repo, time.Now())
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &summaryOutput{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-logs",
		Method:      http.MethodGet,
		Path:        "/reports/logs",
		Summary:     "Log lines per hour and level",
	}, func(ctx context.Context, _ *struct{}) (*logStatsOutput, error) {
		if logPath == "" {
			return &logStatsOutput{}, nil
		}
		stats, err := report.LogStatsFile(logPath)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &logStatsOutput{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-snapshots",
		Method:      http.MethodGet,
		Path:        "/reports/snapshots",
		Summary:     "Stored summary snapshots",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"20" minimum:"1" maximum:"500"`
	}) (*snapshotListOutput, error) {
		items, err := e.Repo.ListSnapshots(ctx, input.Limit)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &snapshotListOutput{Body: SnapshotList{Items: emptyIfNil(items)}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"task,user,history,reward,api_key"`
		EntityID   int64  `query:"entity_id"`
		Limit      int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*eventListOutput, error) {
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &eventListOutput{Body: EventList{Items: emptyIfNil(items)}}, nil
	})
}
