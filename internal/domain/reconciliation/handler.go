package reconciliation

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinica/tiss/internal/platform/auth"
	"github.com/clinica/tiss/internal/platform/blobstore"
	"github.com/clinica/tiss/internal/platform/jobs"
	"github.com/clinica/tiss/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints: admin, billing, auditor
	read := api.Group("/tiss", auth.RequireRole(auth.RoleBilling, auth.RoleAuditor))
	read.GET("/lots/:lot_id", h.GetLot)
	read.GET("/imports/:id", h.GetImport)
	read.GET("/imports/:id/errors", h.ListErrors)

	// Write endpoints: admin, billing
	write := api.Group("/tiss", auth.RequireRole(auth.RoleBilling))
	write.POST("/lots", h.CreateLot)
	write.POST("/lots/:lot_id/returns", h.UploadReturn)
	write.POST("/errors/:id/resolve", h.ResolveError)
	write.POST("/errors/:id/ignore", h.IgnoreError)
	write.POST("/parse", h.Parse)
}

// IsUpload reports whether the request carries a return file and gets the
// upload body limit.
func IsUpload(c echo.Context) bool {
	p := c.Request().URL.Path
	return c.Request().Method == http.MethodPost &&
		(strings.HasSuffix(p, "/returns") || strings.HasSuffix(p, "/tiss/parse"))
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, blobstore.ErrBlobNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyClosed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, blobstore.ErrFileTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, blobstore.ErrInvalidContentType):
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, blobstore.ErrMissingFileName), errors.Is(err, blobstore.ErrEmptyFile):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrStopped):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// -- Lots --

type createLotRequest struct {
	Lot
	Guides []*Guide `json:"guides"`
}

func (h *Handler) CreateLot(c echo.Context) error {
	var req createLotRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	lot := req.Lot
	if err := h.svc.CreateLot(c.Request().Context(), &lot, req.Guides); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"lot": lot, "guides": req.Guides})
}

func (h *Handler) GetLot(c echo.Context) error {
	id, err := parseID(c, "lot_id")
	if err != nil {
		return err
	}
	lot, guides, err := h.svc.GetLot(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if guides == nil {
		guides = []*Guide{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"lot": lot, "guides": guides})
}

// -- Imports --

func (h *Handler) UploadReturn(c echo.Context) error {
	lotID, err := parseID(c, "lot_id")
	if err != nil {
		return err
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field 'file' is required")
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer f.Close()

	contentType := fh.Header.Get(echo.HeaderContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	imp, err := h.svc.StageReturn(c.Request().Context(), lotID, fh.Filename, contentType, f)
	if err != nil {
		return httpError(err)
	}

	c.Response().Header().Set(echo.HeaderLocation, importLocation(c, imp.ID))
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"import_id": imp.ID,
		"status":    imp.Status,
	})
}

func importLocation(c echo.Context, id uuid.UUID) string {
	p := c.Request().URL.Path
	prefix := ""
	if i := strings.Index(p, "/tiss/"); i >= 0 {
		prefix = p[:i]
	}
	return prefix + "/tiss/imports/" + id.String()
}

func (h *Handler) GetImport(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	imp, err := h.svc.GetImport(ctx, id)
	if err != nil {
		return httpError(err)
	}
	if !imp.Status.Done() {
		return c.JSON(http.StatusAccepted, map[string]interface{}{"import": imp})
	}
	report, err := h.svc.Report(ctx, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"import": imp, "report": report})
}

func (h *Handler) ListErrors(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	f := ErrorFilter{
		Category: Category(strings.ToUpper(c.QueryParam("category"))),
		Status:   ResolutionStatus(strings.ToUpper(c.QueryParam("status"))),
	}
	items, total, err := h.svc.ListErrors(c.Request().Context(), id, f, pg.Limit, pg.Offset)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return httpError(err)
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if items == nil {
		items = []*ReconciliationError{}
	}
	resp := pagination.NewResponse(items, total, pg).WithNext(c.Request().URL.Path, c.QueryParams())
	return c.JSON(http.StatusOK, resp)
}

// -- Resolution --

type resolutionRequest struct {
	Note string `json:"note"`
}

func (h *Handler) ResolveError(c echo.Context) error {
	return h.closeError(c, h.svc.ResolveError)
}

func (h *Handler) IgnoreError(c echo.Context) error {
	return h.closeError(c, h.svc.IgnoreError)
}

type closeFunc func(ctx context.Context, id uuid.UUID, note, user string) (*ReconciliationError, error)

func (h *Handler) closeError(c echo.Context, fn closeFunc) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req resolutionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	user := auth.UserIDFromContext(ctx)
	if user == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "authenticated user required")
	}
	e, err := fn(ctx, id, req.Note, user)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

// -- Preview --

// Parse runs the parser over the raw request body without storing or
// reconciling anything.
func (h *Handler) Parse(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(raw) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "request body is empty")
	}
	res := h.svc.Parser().ParseBuffer(raw)
	if !res.Success {
		return c.JSON(http.StatusUnprocessableEntity, res)
	}
	return c.JSON(http.StatusOK, res)
}
