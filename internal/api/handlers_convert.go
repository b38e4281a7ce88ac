// handlers_convert.go - Conversion session operation handlers
package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/aim-datalog/backend/internal/models"
	"github.com/aim-datalog/backend/internal/parser"
	"github.com/aim-datalog/backend/internal/session"
	"github.com/aim-datalog/backend/internal/storage"
	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// Paging limits for row queries.
type Paging struct {
	DefaultPageSize int
	MaxPageSize     int
}

// ConvertHandlerImpl implements the ConvertHandler interface
type ConvertHandlerImpl struct {
	store      storage.Store
	sessionMgr SessionManager
	paging     Paging
}

// NewConvertHandler creates a new convert handler instance
func NewConvertHandler(store storage.Store, sessionMgr SessionManager, paging Paging) ConvertHandler {
	if paging.DefaultPageSize <= 0 {
		paging.DefaultPageSize = 1000
	}
	if paging.MaxPageSize < paging.DefaultPageSize {
		paging.MaxPageSize = paging.DefaultPageSize
	}
	return &ConvertHandlerImpl{
		store:      store,
		sessionMgr: sessionMgr,
		paging:     paging,
	}
}

type startConversionRequest struct {
	FileID string `json:"fileId"`
}

// HandleStartConversion starts converting an uploaded file
func (h *ConvertHandlerImpl) HandleStartConversion(c echo.Context) error {
	var req startConversionRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if req.FileID == "" {
		return NewValidationError("fileId")
	}

	path, err := h.store.GetFilePath(req.FileID)
	if err != nil {
		return storeError(err, req.FileID)
	}

	sess, err := h.sessionMgr.StartSession(req.FileID, path)
	if err != nil {
		return NewInternalError("failed to start session", err)
	}

	return c.JSON(http.StatusAccepted, sess)
}

// HandleConversionStatus returns the current status of a conversion session
func (h *ConvertHandlerImpl) HandleConversionStatus(c echo.Context) error {
	id := c.Param("sessionId")
	sess, ok := h.sessionMgr.GetSession(id)
	if !ok {
		return NewNotFoundError("session", id)
	}

	// Touch session to prevent cleanup while being viewed
	h.sessionMgr.TouchSession(id)

	return c.JSON(http.StatusOK, sess)
}

// HandleSessionKeepAlive extends session lifetime for active viewing
func (h *ConvertHandlerImpl) HandleSessionKeepAlive(c echo.Context) error {
	id := c.Param("sessionId")
	if ok := h.sessionMgr.TouchSession(id); !ok {
		return NewNotFoundError("session", id)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleDeleteSession releases a session and its stored table
func (h *ConvertHandlerImpl) HandleDeleteSession(c echo.Context) error {
	id := c.Param("sessionId")
	if ok := h.sessionMgr.DeleteSession(id); !ok {
		return NewNotFoundError("session", id)
	}
	return c.NoContent(http.StatusNoContent)
}

type metadataResponse struct {
	*models.LogMetadata
	Units    map[string]string `json:"unitsByColumn"`
	Warnings []string          `json:"warnings,omitempty"`
}

// HandleGetMetadata returns the metadata block and row bookkeeping
func (h *ConvertHandlerImpl) HandleGetMetadata(c echo.Context) error {
	id := c.Param("sessionId")
	meta, warnings, err := h.sessionMgr.GetMetadata(c.Request().Context(), id)
	if err != nil {
		return h.sessionError(err, id)
	}
	return c.JSON(http.StatusOK, metadataResponse{
		LogMetadata: meta,
		Units:       meta.UnitsByColumn(),
		Warnings:    warnings,
	})
}

type rowsResponse struct {
	Columns  []string     `json:"columns"`
	Rows     [][]*float64 `json:"rows"`
	Page     int          `json:"page"`
	PageSize int          `json:"pageSize"`
	Total    int          `json:"total"`
	Lap      int          `json:"lap,omitempty"`
}

// msgpackRows is the compact row payload; missing cells stay NaN.
type msgpackRows struct {
	Columns  []string    `msgpack:"columns"`
	Rows     [][]float64 `msgpack:"rows"`
	Page     int         `msgpack:"page"`
	PageSize int         `msgpack:"pageSize"`
	Total    int         `msgpack:"total"`
	Lap      int         `msgpack:"lap,omitempty"`
}

// HandleGetRows returns a page of converted rows as JSON
func (h *ConvertHandlerImpl) HandleGetRows(c echo.Context) error {
	id := c.Param("sessionId")
	q, err := h.rowQuery(c)
	if err != nil {
		return err
	}

	table, total, err := h.sessionMgr.GetRows(c.Request().Context(), id, q)
	if err != nil {
		return h.sessionError(err, id)
	}

	return c.JSON(http.StatusOK, rowsResponse{
		Columns:  table.Columns(),
		Rows:     table.NullableRows(),
		Page:     q.Page,
		PageSize: q.PageSize,
		Total:    total,
		Lap:      q.Lap,
	})
}

// HandleGetRowsMsgpack returns a page of converted rows in MessagePack format
func (h *ConvertHandlerImpl) HandleGetRowsMsgpack(c echo.Context) error {
	id := c.Param("sessionId")
	q, err := h.rowQuery(c)
	if err != nil {
		return err
	}

	table, total, err := h.sessionMgr.GetRows(c.Request().Context(), id, q)
	if err != nil {
		return h.sessionError(err, id)
	}

	rows := make([][]float64, table.Len())
	for i := range rows {
		rows[i] = table.Row(i)
	}
	data, err := msgpack.Marshal(msgpackRows{
		Columns:  table.Columns(),
		Rows:     rows,
		Page:     q.Page,
		PageSize: q.PageSize,
		Total:    total,
		Lap:      q.Lap,
	})
	if err != nil {
		return NewInternalError("failed to encode msgpack", err)
	}
	return c.Blob(http.StatusOK, "application/msgpack", data)
}

type lapsResponse struct {
	Laps []models.LapSummary `json:"laps"`
}

// HandleGetLaps returns per-lap summaries
func (h *ConvertHandlerImpl) HandleGetLaps(c echo.Context) error {
	id := c.Param("sessionId")
	laps, err := h.sessionMgr.GetLaps(c.Request().Context(), id)
	if err != nil {
		return h.sessionError(err, id)
	}
	if laps == nil {
		laps = []models.LapSummary{}
	}
	return c.JSON(http.StatusOK, lapsResponse{Laps: laps})
}

// rowQuery reads page, pageSize, lap and columns query parameters.
func (h *ConvertHandlerImpl) rowQuery(c echo.Context) (parser.RowQuery, error) {
	q := parser.RowQuery{Page: 1, PageSize: h.paging.DefaultPageSize}

	if v := c.QueryParam("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return q, NewValidationError("page")
		}
		q.Page = n
	}
	if v := c.QueryParam("pageSize"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return q, NewValidationError("pageSize")
		}
		q.PageSize = min(n, h.paging.MaxPageSize)
	}
	if v := c.QueryParam("lap"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return q, NewValidationError("lap")
		}
		q.Lap = n
	}
	for _, v := range c.QueryParams()["columns"] {
		for _, col := range strings.Split(v, ",") {
			if col = strings.TrimSpace(col); col != "" {
				q.Columns = append(q.Columns, col)
			}
		}
	}
	return q, nil
}

func (h *ConvertHandlerImpl) sessionError(err error, id string) error {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return NewNotFoundError("session", id)
	case errors.Is(err, session.ErrSessionNotReady):
		if sess, ok := h.sessionMgr.GetSession(id); ok && sess.Status == models.SessionStatusError && len(sess.Errors) > 0 {
			return NewConversionError(sess.Errors[0])
		}
		return NewConflictError("conversion not complete")
	case errors.Is(err, parser.ErrUnknownColumn):
		return NewBadRequestError("unknown column", err)
	}
	return NewInternalError("query failed", err)
}
