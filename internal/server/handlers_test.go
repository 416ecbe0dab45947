package server

import (
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func testServer() *Server {
	return &Server{logger: log.New(log.Writer(), "[SERVER] ", log.LstdFlags)}
}

func doRequest(t *testing.T, handler echo.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	if err := handler(c); err != nil {
		he, ok := err.(*echo.HTTPError)
		if !ok {
			t.Fatalf("handler returned non-HTTP error: %v", err)
		}
		rec.Code = he.Code
	}
	return rec
}

func TestHandleQueryRejectsBadBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader("not json"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := doRequest(t, testServer().handleQuery, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestHandleQueryRequiresQuestion(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{"format":"txt"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := doRequest(t, testServer().handleQuery, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing question, got %d", rec.Code)
	}
}

func TestHandleQueryRejectsBadTimestamp(t *testing.T) {
	body := `{"question":"q","ingested_after":"yesterday"}`
	req := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := doRequest(t, testServer().handleQuery, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-RFC3339 timestamp, got %d", rec.Code)
	}
}

func TestHandleIngestRequiresFile(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/documents", strings.NewReader(""))
	req.Header.Set(echo.HeaderContentType, echo.MIMEMultipartForm+`; boundary=x`)
	rec := doRequest(t, testServer().handleIngest, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing file field, got %d", rec.Code)
	}
}
