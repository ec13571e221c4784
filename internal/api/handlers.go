package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/miradorstack/mirador-audit/internal/models"
	"github.com/miradorstack/mirador-audit/internal/utils"
)

// Reviewer is the review queue contract both transports serve.
type Reviewer interface {
	List(ctx context.Context, req models.ListCandidatesRequest) (models.ListCandidatesResponse, error)
	Detail(ctx context.Context, id string) (models.CandidateDetail, error)
	Subgraph(ctx context.Context, id string) (models.Subgraph, error)
	Verify(ctx context.Context, id string) (models.VerificationResponse, error)
	Explain(ctx context.Context, id string) (models.VerificationResponse, error)
	SubmitLabel(ctx context.Context, id string, req models.LabelRequest) (models.LabelResponse, error)
	Labels(ctx context.Context, id string) (models.LabelsResponse, error)
	Archive(ctx context.Context, id string) (models.Candidate, error)
	LatestRun(ctx context.Context) (models.Run, error)
}

// Handlers serves the review queue over HTTP.
type Handlers struct {
	reviewer Reviewer
	logger   *slog.Logger
}

// NewHTTPHandler builds the echo router for the review API.
func NewHTTPHandler(reviewer Reviewer, logger *slog.Logger) *echo.Echo {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{reviewer: reviewer, logger: logger}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = h.handleError
	e.Use(middleware.Recover())
	e.Use(requestLogger(logger))

	e.GET("/healthz", h.health)
	g := e.Group("/api")
	g.GET("/runs/latest", h.latestRun)
	g.GET("/candidates", h.listCandidates)
	g.GET("/candidates/:id", h.getCandidate)
	g.GET("/candidates/:id/subgraph", h.getSubgraph)
	g.POST("/candidates/:id/llm/verify", h.verify)
	g.POST("/candidates/:id/llm/explain", h.explain)
	g.GET("/candidates/:id/labels", h.listLabels)
	g.POST("/candidates/:id/labels", h.submitLabel)
	g.POST("/candidates/:id/archive", h.archive)
	return e
}

func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error_code", string(utils.CodeOf(v.Error))))
			}
			logger.LogAttrs(c.Request().Context(), slog.LevelDebug, "request", attrs...)
			return nil
		},
	})
}

func (h *Handlers) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var status int
	var body ErrorResponse
	var appErr *utils.AppError
	var httpErr *echo.HTTPError
	if errors.As(err, &appErr) {
		status, body = newErrorResponse(err)
	} else if errors.As(err, &httpErr) {
		status = httpErr.Code
		body = ErrorResponse{ErrorCode: utils.CodeInvalidRequest, Message: http.StatusText(status)}
		if msg, ok := httpErr.Message.(string); ok && msg != "" {
			body.Message = msg
		}
		if status >= http.StatusInternalServerError {
			body.ErrorCode = utils.CodeInternal
		}
	} else {
		status, body = newErrorResponse(err)
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("path", c.Path()),
			slog.String("error_code", string(body.ErrorCode)),
			slog.Any("error", err),
		)
	}
	if werr := c.JSON(status, body); werr != nil {
		h.logger.Warn("write error response", slog.Any("error", werr))
	}
}

func (h *Handlers) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) latestRun(c echo.Context) error {
	run, err := h.reviewer.LatestRun(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (h *Handlers) listCandidates(c echo.Context) error {
	req, err := parseListRequest(c)
	if err != nil {
		return err
	}
	resp, err := h.reviewer.List(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func parseListRequest(c echo.Context) (models.ListCandidatesRequest, error) {
	req := models.ListCandidatesRequest{
		Status: models.Status(c.QueryParam("status")),
		Type:   models.CandidateType(c.QueryParam("type")),
		RunID:  c.QueryParam("run_id"),
		Sort:   models.SortOrder(c.QueryParam("sort")),
	}
	if v := c.QueryParam("min_conf"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return req, badParam("min_conf", v)
		}
		req.MinConf = &f
	}
	for name, dst := range map[string]*int{"limit": &req.Limit, "offset": &req.Offset} {
		v := c.QueryParam(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, badParam(name, v)
		}
		*dst = n
	}
	return req, nil
}

func badParam(name, value string) error {
	return utils.NewCodedError(utils.CodeInvalidRequest, "api.parse", name+" must be a number, got "+strconv.Quote(value), nil)
}

func (h *Handlers) getCandidate(c echo.Context) error {
	detail, err := h.reviewer.Detail(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, detail)
}

func (h *Handlers) getSubgraph(c echo.Context) error {
	sg, err := h.reviewer.Subgraph(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sg)
}

func (h *Handlers) verify(c echo.Context) error {
	resp, err := h.reviewer.Verify(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handlers) explain(c echo.Context) error {
	resp, err := h.reviewer.Explain(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handlers) listLabels(c echo.Context) error {
	resp, err := h.reviewer.Labels(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handlers) submitLabel(c echo.Context) error {
	var req models.LabelRequest
	if err := c.Bind(&req); err != nil {
		return utils.NewCodedError(utils.CodeInvalidRequest, "api.submitLabel", "request body must be a label object", err)
	}
	resp, err := h.reviewer.SubmitLabel(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, resp)
}

func (h *Handlers) archive(c echo.Context) error {
	candidate, err := h.reviewer.Archive(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, candidate)
}
