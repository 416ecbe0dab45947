package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/contextd/contextd/internal/retrieval"
	"github.com/contextd/contextd/internal/store"
)

type queryRequest struct {
	Question string   `json:"question"`
	DocIDs   []string `json:"document_ids,omitempty"`
	Format   string   `json:"format,omitempty"`
	After    string   `json:"ingested_after,omitempty"`
}

type queryResponse struct {
	Context    string               `json:"context"`
	Citations  []retrieval.Citation `json:"citations"`
	TokensUsed int                  `json:"tokens_used"`
	Truncated  bool                 `json:"truncated"`
	Degraded   bool                 `json:"degraded"`
	Source     string               `json:"source"`
}

// handleIngest accepts a multipart upload under the "file" field, with any
// remaining form fields carried as chunk metadata.
func (s *Server) handleIngest(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field 'file' required")
	}
	f, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot open upload")
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read upload")
	}

	meta := map[string]string{}
	if form, err := c.MultipartForm(); err == nil {
		for key, vals := range form.Value {
			if len(vals) > 0 {
				meta[key] = vals[0]
			}
		}
	}

	summary, err := s.ingestor.Ingest(c.Request().Context(), fileHeader.Filename, data, meta)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusCreated, summary)
}

func (s *Server) handleListDocuments(c echo.Context) error {
	docs, err := s.ingestor.List(c.Request().Context())
	if err != nil {
		return err
	}
	if docs == nil {
		docs = []store.Document{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"documents": docs})
}

func (s *Server) handleDeleteDocument(c echo.Context) error {
	report, err := s.ingestor.Delete(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	status := http.StatusOK
	body := map[string]interface{}{
		"remote_removed": report.RemoteRemoved,
		"local_removed":  report.LocalRemoved,
	}
	if report.Partial {
		status = http.StatusAccepted
		body["partial"] = true
		body["remote_error"] = report.RemoteErr.Error()
	}
	return c.JSON(status, body)
}

func (s *Server) handleQuery(c echo.Context) error {
	var req queryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Question == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "question required")
	}
	filter := store.SearchFilter{DocumentIDs: req.DocIDs, Format: req.Format}
	if req.After != "" {
		ts, err := time.Parse(time.RFC3339, req.After)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "ingested_after must be RFC3339")
		}
		filter.IngestedAfter = ts
	}

	bundle, err := s.engine.Retrieve(c.Request().Context(), req.Question, filter)
	if errors.Is(err, retrieval.ErrNoCandidates) {
		return c.JSON(http.StatusOK, queryResponse{Citations: []retrieval.Citation{}})
	}
	if errors.Is(err, retrieval.ErrUnavailable) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, queryResponse{
		Context:    bundle.Text,
		Citations:  bundle.Citations,
		TokensUsed: bundle.TokensUsed,
		Truncated:  bundle.Truncated,
		Degraded:   bundle.Degraded,
		Source:     bundle.Source,
	})
}
