package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"ferry/internal/server/service"
	"ferry/internal/server/storage"

	"github.com/labstack/echo/v4"
)

// HealthChecker reports whether the database is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Sweeper runs a reclamation pass on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (storage.SweepResult, error)
}

// Handler contains the HTTP handlers for the ferry API.
type Handler struct {
	svc     *service.FileService
	sweeper Sweeper
	db      HealthChecker
}

// NewHandler creates a new handler with the given dependencies.
func NewHandler(svc *service.FileService, sweeper Sweeper, db HealthChecker) *Handler {
	return &Handler{svc: svc, sweeper: sweeper, db: db}
}

// HandleUpload handles POST /api/files/upload.
// Accepts a multipart form with a "file" field and optional "customName",
// "password", "expiration" and "compress" fields.
func (h *Handler) HandleUpload(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "file is required (use form field 'file')",
		})
	}

	src, err := fileHeader.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to read uploaded file",
		})
	}
	defer src.Close()

	mimeType := fileHeader.Header.Get(echo.HeaderContentType)
	if mimeType == "" {
		mimeType = echo.MIMEOctetStream
	}
	compress, _ := strconv.ParseBool(c.FormValue("compress"))

	id := identity(c)
	result, err := h.svc.Upload(c.Request().Context(), service.UploadRequest{
		Data:         src,
		Size:         fileHeader.Size,
		OriginalName: fileHeader.Filename,
		MimeType:     mimeType,
		OwnerID:      id.UserID,
		IsAdmin:      id.IsAdmin,
		Options: service.UploadOptions{
			CustomName: c.FormValue("customName"),
			Password:   c.FormValue("password"),
			Expiration: c.FormValue("expiration"),
			Compress:   compress,
		},
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, result)
}

// HandleListFiles handles GET /api/files.
func (h *Handler) HandleListFiles(c echo.Context) error {
	files, err := h.svc.ListFiles(c.Request().Context(), identity(c).UserID)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"files": files})
}

// HandleQuota handles GET /api/files/quota.
func (h *Handler) HandleQuota(c echo.Context) error {
	q, err := h.svc.GetQuota(c.Request().Context(), identity(c).UserID)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, q)
}

// HandleUserStats handles GET /api/files/stats.
func (h *Handler) HandleUserStats(c echo.Context) error {
	stats, err := h.svc.GetUserStats(c.Request().Context(), identity(c).UserID)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

// HandleInfo handles GET /api/files/:code/info.
// Returns file metadata without serving the file.
func (h *Handler) HandleInfo(c echo.Context) error {
	info, err := h.svc.GetInfo(c.Request().Context(), c.Param("code"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

// HandleVerify handles POST /api/files/:code/verify.
func (h *Handler) HandleVerify(c echo.Context) error {
	var body struct {
		Password string `json:"password"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	if err := h.svc.VerifyPassword(c.Request().Context(), c.Param("code"), body.Password); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"valid": true})
}

// HandlePreview handles GET /api/files/:code/preview.
// Serves the file inline without counting a download.
func (h *Handler) HandlePreview(c echo.Context) error {
	p, err := h.svc.Preview(c.Request().Context(), c.Param("code"), password(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	return streamPayload(c, p, "inline")
}

// HandleDownload handles GET /api/files/:code.
// Serves the file as an attachment. Accepts the password as the
// "password" query param or the X-File-Password header.
func (h *Handler) HandleDownload(c echo.Context) error {
	p, err := h.svc.Download(c.Request().Context(), c.Param("code"), password(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	return streamPayload(c, p, "attachment")
}

// HandleDelete handles DELETE /api/files/:code.
func (h *Handler) HandleDelete(c echo.Context) error {
	id := identity(c)
	if err := h.svc.DeleteFile(c.Request().Context(), c.Param("code"), id.UserID, id.IsAdmin); err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"message": "file deleted successfully",
	})
}

// HandleGetSettings handles GET /api/admin/settings.
func (h *Handler) HandleGetSettings(c echo.Context) error {
	settings, err := h.svc.GetSettings(c.Request().Context())
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, settings)
}

// HandleUpdateSettings handles PUT /api/admin/settings.
func (h *Handler) HandleUpdateSettings(c echo.Context) error {
	var patch service.SettingsPatch
	if err := c.Bind(&patch); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	settings, err := h.svc.UpdateSettings(c.Request().Context(), patch)
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, settings)
}

// HandleSweep handles POST /api/admin/sweep.
func (h *Handler) HandleSweep(c echo.Context) error {
	result, err := h.sweeper.Sweep(c.Request().Context())
	if err != nil {
		slog.Error("on-demand sweep failed", "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "sweep failed"})
	}
	return c.JSON(http.StatusOK, result)
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including database connectivity.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "connected"

	if err := h.db.HealthCheck(c.Request().Context()); err != nil {
		status = "degraded"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"database": dbStatus,
	})
}

// HandleStats handles GET /api/stats.
// Returns aggregate server statistics.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.svc.GetStats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to retrieve stats",
		})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"total_files":        stats.TotalFiles,
		"active_files":       stats.ActiveFiles,
		"total_downloads":    stats.TotalDownloads,
		"total_users":        stats.TotalUsers,
		"storage_used_bytes": stats.StorageUsed,
		"storage_used_human": humanizeBytes(stats.StorageUsed),
	})
}

func password(c echo.Context) string {
	if p := c.Request().Header.Get("X-File-Password"); p != "" {
		return p
	}
	return c.QueryParam("password")
}

func streamPayload(c echo.Context, p *service.Payload, disposition string) error {
	defer p.Close()

	header := c.Response().Header()
	header.Set(echo.HeaderContentDisposition,
		mime.FormatMediaType(disposition, map[string]string{"filename": p.DisplayName}))
	header.Set(echo.HeaderContentLength, strconv.FormatInt(p.Size, 10))
	header.Set("X-Content-Type-Options", "nosniff")

	return c.Stream(http.StatusOK, p.MimeType, p)
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrFileTooLarge):
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrUnsupportedType):
		return c.JSON(http.StatusUnsupportedMediaType, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrQuotaExceeded):
		return c.JSON(http.StatusInsufficientStorage, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "file not found"})
	case errors.Is(err, service.ErrExpired):
		return c.JSON(http.StatusGone, echo.Map{"error": "file has expired"})
	case errors.Is(err, service.ErrPasswordRequired):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "password_required"})
	case errors.Is(err, service.ErrPasswordMismatch):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "invalid password"})
	case errors.Is(err, service.ErrForbidden):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "not allowed to modify this file"})
	case errors.Is(err, service.ErrUnknownOwner):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "unknown user"})
	case errors.Is(err, service.ErrNoPassword),
		errors.Is(err, service.ErrInvalidPassword),
		errors.Is(err, service.ErrInvalidSettings):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrResourceExhausted):
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "please retry the upload"})
	default:
		slog.Error("request failed",
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"error", err,
		)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}

// humanizeBytes formats a byte count into a human-readable string.
func humanizeBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
