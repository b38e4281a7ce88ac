// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"context"

	"github.com/aim-datalog/backend/internal/models"
	"github.com/aim-datalog/backend/internal/parser"
	"github.com/labstack/echo/v4"
)

// FileHandler handles export file operations
type FileHandler interface {
	HandleUploadFile(c echo.Context) error
	HandleGetRecentFiles(c echo.Context) error
	HandleGetFile(c echo.Context) error
	HandleDeleteFile(c echo.Context) error
	HandleRenameFile(c echo.Context) error
}

// ConvertHandler handles conversion session operations
type ConvertHandler interface {
	HandleStartConversion(c echo.Context) error
	HandleConversionStatus(c echo.Context) error
	HandleSessionKeepAlive(c echo.Context) error
	HandleDeleteSession(c echo.Context) error
	HandleGetMetadata(c echo.Context) error
	HandleGetRows(c echo.Context) error
	HandleGetRowsMsgpack(c echo.Context) error
	HandleGetLaps(c echo.Context) error
}

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// StatusStreamHandler pushes session status over a WebSocket
type StatusStreamHandler interface {
	HandleSessionStatus(c echo.Context) error
}

// SessionManager defines the interface for session management
// This allows mocking in tests
type SessionManager interface {
	StartSession(fileID, filePath string) (*models.ConversionSession, error)
	GetSession(id string) (*models.ConversionSession, bool)
	TouchSession(id string) bool
	DeleteSession(id string) bool
	Subscribe(id string) (<-chan models.ConversionSession, func(), error)
	GetMetadata(ctx context.Context, id string) (*models.LogMetadata, []string, error)
	GetRows(ctx context.Context, id string, q parser.RowQuery) (*models.DataTable, int, error)
	GetLaps(ctx context.Context, id string) ([]models.LapSummary, error)
}
