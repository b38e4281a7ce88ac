// handlers_files_test.go - Tests for export file handlers
package api

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aim-datalog/backend/internal/models"
	"github.com/aim-datalog/backend/internal/testutil"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// multipartBody builds a request body with a single "file" field
func multipartBody(t *testing.T, name string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(data)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestFileHandler_HandleUploadFile(t *testing.T) {
	content := []byte("\"Format\",\"AiM CSV File\"\n")

	tests := []struct {
		name       string
		fileName   string
		data       []byte
		wantStatus int
		wantName   string
		wantErr    bool
		errCode    string
	}{
		{
			name:       "csv upload",
			fileName:   "session.csv",
			data:       content,
			wantStatus: http.StatusCreated,
			wantName:   "session.csv",
		},
		{
			name:       "gzip upload is decompressed",
			fileName:   "session.csv.gz",
			data:       gzipBytes(t, content),
			wantStatus: http.StatusCreated,
			wantName:   "session.csv",
		},
		{
			name:       "disallowed extension",
			fileName:   "session.xlsx",
			data:       content,
			wantStatus: http.StatusBadRequest,
			wantErr:    true,
			errCode:    "BAD_REQUEST",
		},
		{
			name:       "corrupt gzip",
			fileName:   "session.csv.gz",
			data:       []byte("not gzip"),
			wantStatus: http.StatusBadRequest,
			wantErr:    true,
			errCode:    "BAD_REQUEST",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := testutil.NewMockStorage(t.TempDir())
			handler := NewFileHandler(store, []string{".csv", ".txt"}, true)

			body, contentType := multipartBody(t, tt.fileName, tt.data)
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/api/files/upload", body)
			req.Header.Set(echo.HeaderContentType, contentType)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := handler.HandleUploadFile(c)

			if tt.wantErr {
				assertAPIError(t, err, tt.wantStatus, tt.errCode)
				assert.Equal(t, 0, store.GetFileCount())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, rec.Code)

			var info models.FileInfo
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
			assert.NotEmpty(t, info.ID)
			assert.Equal(t, tt.wantName, info.Name)

			stored, err := store.GetFileData(info.ID)
			require.NoError(t, err)
			assert.Equal(t, content, stored)
		})
	}
}

func TestFileHandler_HandleUploadFile_NoFile(t *testing.T) {
	handler := NewFileHandler(testutil.NewMockStorage(t.TempDir()), nil, true)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/files/upload", strings.NewReader("{}"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	assertAPIError(t, handler.HandleUploadFile(c), http.StatusBadRequest, "BAD_REQUEST")
}

func TestFileHandler_HandleGetRecentFiles(t *testing.T) {
	tests := []struct {
		name      string
		fileCount int
		query     string
		wantCount int
		wantErr   bool
	}{
		{name: "empty storage", fileCount: 0, wantCount: 0},
		{name: "few files", fileCount: 3, wantCount: 3},
		{name: "explicit limit", fileCount: 10, query: "?limit=4", wantCount: 4},
		{name: "default limit", fileCount: 60, wantCount: 50},
		{name: "invalid limit", query: "?limit=zero", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := testutil.NewMockStorage(t.TempDir())
			for i := 0; i < tt.fileCount; i++ {
				store.AddFile(fmt.Sprintf("id-%d", i), fmt.Sprintf("file%d.csv", i), []byte("x"))
			}
			handler := NewFileHandler(store, nil, true)

			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/api/files/recent"+tt.query, nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := handler.HandleGetRecentFiles(c)
			if tt.wantErr {
				assertAPIError(t, err, http.StatusBadRequest, "VALIDATION_ERROR")
				return
			}
			require.NoError(t, err)

			var files []models.FileInfo
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &files))
			assert.Len(t, files, tt.wantCount)
		})
	}
}

func TestFileHandler_FileOperations(t *testing.T) {
	newContext := func(method, body, id string) (echo.Context, *httptest.ResponseRecorder) {
		e := echo.New()
		req := httptest.NewRequest(method, "/api/files/"+id, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("id")
		c.SetParamValues(id)
		return c, rec
	}

	t.Run("get", func(t *testing.T) {
		store := testutil.NewMockStorage(t.TempDir())
		store.AddFile("f1", "session.csv", []byte("x"))
		handler := NewFileHandler(store, nil, true)

		c, rec := newContext(http.MethodGet, "", "f1")
		require.NoError(t, handler.HandleGetFile(c))
		assert.Contains(t, rec.Body.String(), `"name":"session.csv"`)

		c, _ = newContext(http.MethodGet, "", "missing")
		assertAPIError(t, handler.HandleGetFile(c), http.StatusNotFound, "NOT_FOUND")
	})

	t.Run("rename", func(t *testing.T) {
		store := testutil.NewMockStorage(t.TempDir())
		store.AddFile("f1", "session.csv", []byte("x"))
		handler := NewFileHandler(store, nil, true)

		c, rec := newContext(http.MethodPut, `{"name":" race.csv "}`, "f1")
		require.NoError(t, handler.HandleRenameFile(c))
		assert.Contains(t, rec.Body.String(), `"name":"race.csv"`)

		c, _ = newContext(http.MethodPut, `{"name":"../etc/passwd"}`, "f1")
		assertAPIError(t, handler.HandleRenameFile(c), http.StatusBadRequest, "VALIDATION_ERROR")

		c, _ = newContext(http.MethodPut, `{"name":"x.csv"}`, "missing")
		assertAPIError(t, handler.HandleRenameFile(c), http.StatusNotFound, "NOT_FOUND")
	})

	t.Run("delete", func(t *testing.T) {
		store := testutil.NewMockStorage(t.TempDir())
		store.AddFile("f1", "session.csv", []byte("x"))
		handler := NewFileHandler(store, nil, true)

		c, rec := newContext(http.MethodDelete, "", "f1")
		require.NoError(t, handler.HandleDeleteFile(c))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, 0, store.GetFileCount())

		c, _ = newContext(http.MethodDelete, "", "f1")
		assertAPIError(t, handler.HandleDeleteFile(c), http.StatusNotFound, "NOT_FOUND")
	})

	t.Run("delete disabled", func(t *testing.T) {
		store := testutil.NewMockStorage(t.TempDir())
		store.AddFile("f1", "session.csv", []byte("x"))
		handler := NewFileHandler(store, nil, false)

		c, _ := newContext(http.MethodDelete, "", "f1")
		assertAPIError(t, handler.HandleDeleteFile(c), http.StatusForbidden, "FORBIDDEN")
		assert.Equal(t, 1, store.GetFileCount())
	})
}
