// handlers_files.go - Export file operation handlers
package api

import (
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/aim-datalog/backend/internal/logging"
	"github.com/aim-datalog/backend/internal/storage"
	"github.com/labstack/echo/v4"
)

// FileHandlerImpl implements the FileHandler interface
type FileHandlerImpl struct {
	store         storage.Store
	allowedTypes  []string
	allowDeletion bool
}

// NewFileHandler creates a new file handler instance. An empty allowedTypes
// accepts any extension.
func NewFileHandler(store storage.Store, allowedTypes []string, allowDeletion bool) FileHandler {
	return &FileHandlerImpl{
		store:         store,
		allowedTypes:  allowedTypes,
		allowDeletion: allowDeletion,
	}
}

// HandleUploadFile accepts a multipart upload in the "file" field. Files
// ending in .gz are decompressed before they are stored.
func (h *FileHandlerImpl) HandleUploadFile(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return NewBadRequestError("no file provided", err)
	}

	name := filepath.Base(file.Filename)
	compressed := strings.HasSuffix(strings.ToLower(name), ".gz")
	if compressed {
		name = name[:len(name)-len(".gz")]
	}
	if !h.allowedType(name) {
		return NewBadRequestError("file type not allowed: "+filepath.Ext(name), nil)
	}

	src, err := file.Open()
	if err != nil {
		return NewInternalError("failed to open uploaded file", err)
	}
	defer src.Close()

	var r io.Reader = src
	if compressed {
		gz, err := gzip.NewReader(src)
		if err != nil {
			return NewBadRequestError("invalid gzip data", err)
		}
		defer gz.Close()
		r = gz
	}

	info, err := h.store.Save(name, r)
	if err != nil {
		if compressed {
			return NewBadRequestError("failed to decompress upload", err)
		}
		return NewInternalError("failed to save file", err)
	}

	logging.FromContext(c.Request().Context()).Info("file uploaded",
		"file_id", info.ID, "name", info.Name, "size", info.Size)
	return c.JSON(http.StatusCreated, info)
}

func (h *FileHandlerImpl) allowedType(name string) bool {
	if len(h.allowedTypes) == 0 {
		return true
	}
	return slices.Contains(h.allowedTypes, strings.ToLower(filepath.Ext(name)))
}

// HandleGetRecentFiles returns a list of recently uploaded export files
func (h *FileHandlerImpl) HandleGetRecentFiles(c echo.Context) error {
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return NewValidationError("limit")
		}
		limit = n
	}

	files, err := h.store.List(limit)
	if err != nil {
		return NewInternalError("failed to list files", err)
	}

	return c.JSON(http.StatusOK, files)
}

// HandleGetFile returns metadata about a single file
func (h *FileHandlerImpl) HandleGetFile(c echo.Context) error {
	id := c.Param("id")
	info, err := h.store.Get(id)
	if err != nil {
		return storeError(err, id)
	}
	return c.JSON(http.StatusOK, info)
}

// HandleDeleteFile removes a file from storage
func (h *FileHandlerImpl) HandleDeleteFile(c echo.Context) error {
	if !h.allowDeletion {
		return NewForbiddenError("file deletion is disabled")
	}

	id := c.Param("id")
	if err := h.store.Delete(id); err != nil {
		return storeError(err, id)
	}
	return c.NoContent(http.StatusNoContent)
}

type renameFileRequest struct {
	Name string `json:"name"`
}

func (r *renameFileRequest) validate() error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" || strings.ContainsAny(r.Name, `/\`) {
		return NewValidationError("name")
	}
	return nil
}

// HandleRenameFile updates the display name of a file
func (h *FileHandlerImpl) HandleRenameFile(c echo.Context) error {
	var req renameFileRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}
	if err := req.validate(); err != nil {
		return err
	}

	id := c.Param("id")
	info, err := h.store.Rename(id, req.Name)
	if err != nil {
		return storeError(err, id)
	}
	return c.JSON(http.StatusOK, info)
}

func storeError(err error, id string) error {
	if errors.Is(err, storage.ErrFileNotFound) {
		return NewNotFoundError("file", id)
	}
	return NewInternalError("storage error", err)
}
