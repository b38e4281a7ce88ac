package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aim-datalog/backend/internal/models"
	"github.com/aim-datalog/backend/internal/session"
	"github.com/aim-datalog/backend/internal/testutil"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const routesExport = "\"Format\",\"AiM CSV File\"\r\n" +
	"\"Vehicle\",\"Kart\"\r\n" +
	"\r\n" +
	"\"Time\",\"RPM\",\"Water Temp\"\r\n" +
	"\"sec\",\"rpm\",\"\xb0C\"\r\n" +
	"\r\n" +
	"0,9000,60\r\n" +
	"0.5,9100,\r\n" +
	"0,9200,61\r\n"

// newTestServer wires real handlers around a session manager and mock store
func newTestServer(t *testing.T) (*echo.Echo, *testutil.MockStorage) {
	t.Helper()
	store := testutil.NewMockStorage(t.TempDir())

	opts := session.DefaultOptions(t.TempDir())
	opts.Files = store
	mgr, err := session.NewManager(opts)
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	e := echo.New()
	SetupMiddleware(e, MiddlewareOptions{RequestLogging: true, Compression: true, CompressionLevel: 5})
	RegisterRoutes(e, NewHandlers(&Dependencies{
		Store:         store,
		SessionMgr:    mgr,
		Version:       "test",
		AllowedTypes:  []string{".csv"},
		AllowDeletion: true,
		Paging:        Paging{DefaultPageSize: 100, MaxPageSize: 1000},
	}))
	return e, store
}

func doRequest(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRoutes_Health(t *testing.T) {
	e, _ := newTestServer(t)

	rec := doRequest(e, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))

	var body struct {
		Status  string   `json:"status"`
		Version string   `json:"version"`
		Formats []string `json:"formats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "test", body.Version)
	assert.Contains(t, body.Formats, "aim_csv")
}

func TestRoutes_ConvertEndToEnd(t *testing.T) {
	e, store := newTestServer(t)
	store.AddFile("f1", "kart.csv", []byte(routesExport))

	rec := doRequest(e, http.MethodPost, "/api/convert", `{"fileId":"f1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var sess models.ConversionSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))

	require.Eventually(t, func() bool {
		rec := doRequest(e, http.MethodGet, "/api/convert/"+sess.ID+"/status", "")
		var s models.ConversionSession
		return json.Unmarshal(rec.Body.Bytes(), &s) == nil && s.Done()
	}, 10*time.Second, 20*time.Millisecond)

	info, err := store.Get("f1")
	require.NoError(t, err)
	assert.Equal(t, "converted", info.Status)

	rec = doRequest(e, http.MethodGet, "/api/convert/"+sess.ID+"/metadata", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"Vehicle":"Kart"`)
	assert.Contains(t, rec.Body.String(), `"Water Temp":"°C"`)

	rec = doRequest(e, http.MethodGet, "/api/convert/"+sess.ID+"/rows?lap=1&columns=Time,Water%20Temp", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t,
		`{"columns":["Time","Water Temp"],"rows":[[0,60],[0.5,null]],"page":1,"pageSize":100,"total":2,"lap":1}`,
		rec.Body.String())

	rec = doRequest(e, http.MethodGet, "/api/convert/"+sess.ID+"/rows?columns=Boost", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(e, http.MethodGet, "/api/convert/"+sess.ID+"/laps", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var laps lapsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &laps))
	require.Len(t, laps.Laps, 2)
	assert.Equal(t, 2, laps.Laps[0].Samples)

	rec = doRequest(e, http.MethodDelete, "/api/convert/"+sess.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = doRequest(e, http.MethodGet, "/api/convert/"+sess.ID+"/status", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoutes_ConvertFormatError(t *testing.T) {
	e, store := newTestServer(t)
	store.AddFile("f1", "bad.csv", []byte(routesExport+"1,fast,62\r\n"))

	rec := doRequest(e, http.MethodPost, "/api/convert", `{"fileId":"f1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var sess models.ConversionSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))

	require.Eventually(t, func() bool {
		rec := doRequest(e, http.MethodGet, "/api/convert/"+sess.ID+"/status", "")
		var s models.ConversionSession
		return json.Unmarshal(rec.Body.Bytes(), &s) == nil && s.Done()
	}, 10*time.Second, 20*time.Millisecond)

	rec = doRequest(e, http.MethodGet, "/api/convert/"+sess.ID+"/rows", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var apiErr APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, "DATA_ROW", apiErr.Code)
	assert.Equal(t, 9, apiErr.Line, "rows are numbered from 0")
}

func TestRoutes_LapsWithEmptyTime(t *testing.T) {
	e, store := newTestServer(t)
	store.AddFile("f1", "gap.csv", []byte(routesExport+",9300,62\r\n"))

	rec := doRequest(e, http.MethodPost, "/api/convert", `{"fileId":"f1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var sess models.ConversionSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))

	require.Eventually(t, func() bool {
		rec := doRequest(e, http.MethodGet, "/api/convert/"+sess.ID+"/status", "")
		var s models.ConversionSession
		return json.Unmarshal(rec.Body.Bytes(), &s) == nil && s.Done()
	}, 10*time.Second, 20*time.Millisecond)

	rec = doRequest(e, http.MethodGet, "/api/convert/"+sess.ID+"/laps", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"laps":[
		{"lap":1,"startRow":0,"endRow":1,"samples":2,"lapTime":0.5,"startTotalTime":0,"endTotalTime":0.5},
		{"lap":2,"startRow":2,"endRow":3,"samples":2,"lapTime":null,"startTotalTime":0.5,"endTotalTime":null}
	]}`, rec.Body.String())
}

func TestRoutes_UnknownRoute(t *testing.T) {
	e, _ := newTestServer(t)

	rec := doRequest(e, http.MethodGet, "/api/nothing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "HTTP_ERROR")
}
