// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/aim-datalog/backend/internal/logging"
	"github.com/aim-datalog/backend/internal/storage"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Store         storage.Store
	SessionMgr    SessionManager
	Version       string
	AllowedTypes  []string
	AllowDeletion bool
	Paging        Paging
}

// Handlers holds all handler instances
type Handlers struct {
	Health  HealthHandler
	Files   FileHandler
	Convert ConvertHandler
	Status  StatusStreamHandler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	return &Handlers{
		Health:  NewHealthHandler(deps.Version),
		Files:   NewFileHandler(deps.Store, deps.AllowedTypes, deps.AllowDeletion),
		Convert: NewConvertHandler(deps.Store, deps.SessionMgr, deps.Paging),
		Status:  NewWebSocketHandler(deps.SessionMgr),
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	apiGroup := e.Group("/api")

	// Health check
	apiGroup.GET("/health", handlers.Health.HandleHealth)

	// Export file routes
	files := apiGroup.Group("/files")
	files.POST("/upload", handlers.Files.HandleUploadFile)
	files.GET("/recent", handlers.Files.HandleGetRecentFiles)
	files.GET("/:id", handlers.Files.HandleGetFile)
	files.DELETE("/:id", handlers.Files.HandleDeleteFile)
	files.PUT("/:id", handlers.Files.HandleRenameFile)

	// Conversion session routes
	convert := apiGroup.Group("/convert")
	convert.POST("", handlers.Convert.HandleStartConversion)
	convert.GET("/:sessionId/status", handlers.Convert.HandleConversionStatus)
	convert.POST("/:sessionId/keepalive", handlers.Convert.HandleSessionKeepAlive)
	convert.DELETE("/:sessionId", handlers.Convert.HandleDeleteSession)
	convert.GET("/:sessionId/metadata", handlers.Convert.HandleGetMetadata)
	convert.GET("/:sessionId/rows", handlers.Convert.HandleGetRows)
	convert.GET("/:sessionId/rows/msgpack", handlers.Convert.HandleGetRowsMsgpack)
	convert.GET("/:sessionId/laps", handlers.Convert.HandleGetLaps)

	// WebSocket status stream
	apiGroup.GET("/ws/sessions/:sessionId", handlers.Status.HandleSessionStatus)
}

// MiddlewareOptions selects the optional parts of the middleware stack
type MiddlewareOptions struct {
	RequestLogging   bool
	Compression      bool
	CompressionLevel int
	BodyLimit        string
	// AllowOrigins enables CORS when non-empty.
	AllowOrigins []string
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo, opts MiddlewareOptions) {
	e.HTTPErrorHandler = ErrorHandler

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 4 * 1024,
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			logging.FromContext(c.Request().Context()).Error("panic recovered",
				"error", err, "stack", string(stack))
			return err
		},
	}))

	// Every request gets an ID; it is echoed back and attached to the log context.
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
		},
	}))

	if opts.RequestLogging {
		log := logging.Component("http")
		e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			Skipper: func(c echo.Context) bool {
				path := c.Request().URL.Path
				return strings.HasSuffix(path, "/status") ||
					strings.HasPrefix(path, "/api/ws/") ||
					path == "/api/health"
			},
			LogMethod:    true,
			LogURI:       true,
			LogStatus:    true,
			LogLatency:   true,
			LogRequestID: true,
			LogError:     true,
			HandleError:  true,
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				level := slog.LevelInfo
				if v.Status >= http.StatusInternalServerError {
					level = slog.LevelError
				}
				attrs := []any{
					"method", v.Method,
					"uri", v.URI,
					"status", v.Status,
					"latency", v.Latency,
					"request_id", v.RequestID,
				}
				if v.Error != nil {
					attrs = append(attrs, "error", v.Error)
				}
				log.Log(c.Request().Context(), level, "request", attrs...)
				return nil
			},
		}))
	}

	if opts.Compression {
		e.Use(middleware.GzipWithConfig(middleware.GzipConfig{
			Level: opts.CompressionLevel,
			Skipper: func(c echo.Context) bool {
				return strings.HasPrefix(c.Request().URL.Path, "/api/ws/")
			},
		}))
	}

	if opts.BodyLimit != "" {
		e.Use(middleware.BodyLimit(opts.BodyLimit))
	}

	if len(opts.AllowOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: opts.AllowOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderXRequestID},
		}))
	}
}
