package api

import (
	"context"
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"mediavault/internal/artifact"
	"mediavault/internal/auth"
	"mediavault/internal/job"
	"mediavault/internal/pathguard"
)

type createZipRequest struct {
	FolderPath string `json:"folderPath"`
	ForceNew   bool   `json:"forceNew"`
}

type createZipResponse struct {
	ZipID  string    `json:"zipId"`
	Status job.State `json:"status"`
	Cached bool      `json:"cached"`
}

type cancelZipRequest struct {
	FolderPath string `json:"folderPath"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type statusResponse struct {
	Status     job.State `json:"status"`
	Progress   *int      `json:"progress,omitempty"`
	Error      string    `json:"error,omitempty"`
	Size       int64     `json:"size,omitempty"`
	FolderSize int64     `json:"folderSize,omitempty"`
	Cached     bool      `json:"cached,omitempty"`
	ExpiresAt  string    `json:"expiresAt,omitempty"`
}

// SizeEstimator computes the total size of a folder.
type SizeEstimator interface {
	Estimate(ctx context.Context, dir string) (int64, error)
}

type API struct {
	resolver *pathguard.Resolver
	registry *job.Registry
	store    *artifact.Store
	sizes    SizeEstimator
	auth     *auth.Authenticator
}

func NewAPI(resolver *pathguard.Resolver, registry *job.Registry, store *artifact.Store, sizes SizeEstimator, authenticator *auth.Authenticator) *API {
	return &API{resolver: resolver, registry: registry, store: store, sizes: sizes, auth: authenticator}
}

// RegisterRoutes registers API routes on the provided gin engine.
// Path parameters are matched on the raw path and left escaped so a folder
// path with encoded slashes fits in one segment; handlers decode them once.
func (a *API) RegisterRoutes(router *gin.Engine) {
	router.UseRawPath = true
	router.UnescapePathValues = false

	router.GET("/healthz", a.Health)

	api := router.Group("/api")
	api.POST("/login", a.Login)

	protected := api.Group("", a.auth.Middleware())
	{
		protected.POST("/zip", a.CreateZip)
		protected.POST("/zip/cancel", a.CancelZip)
		protected.GET("/zip/:id/status", a.ZipStatus)
		protected.GET("/zip/:id/download", a.DownloadZip)
		protected.GET("/zip/:id/exists", a.ZipExists)
		protected.GET("/folder-size/*path", a.FolderSize)
	}
}

// Login issues a token for the admin credentials
func (a *API) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	token, err := a.auth.Login(req.Username, req.Password)
	if err != nil {
		log.Warn().Str("username", req.Username).Str("client_ip", c.ClientIP()).Msg("login rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Invalid credentials"})
		return
	}
	log.Info().Str("username", req.Username).Msg("login succeeded")
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// CreateZip admits a zip job for a folder or returns the cached archive
func (a *API) CreateZip(c *gin.Context) {
	var req createZipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("invalid create zip request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if strings.TrimSpace(req.FolderPath) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Folder path is required"})
		return
	}
	sourcePath, err := a.resolver.Resolve(req.FolderPath)
	if err != nil {
		a.writeError(c, err, "folder_path", req.FolderPath)
		return
	}
	snap, isNew, err := a.registry.Admit(c.Request.Context(), sourcePath, req.ForceNew)
	if err != nil {
		a.writeError(c, err, "folder_path", req.FolderPath)
		return
	}
	log.Info().Str("zip_id", snap.ID).Str("folder", a.logPath(sourcePath)).Str("status", string(snap.State)).Bool("new", isNew).Bool("cached", snap.Cached).Msg("zip requested")
	c.JSON(http.StatusOK, createZipResponse{ZipID: snap.ID, Status: snap.State, Cached: snap.Cached})
}

// ZipStatus reports the state of a job or cached archive
func (a *API) ZipStatus(c *gin.Context) {
	id := idParam(c)
	snap, err := a.registry.Status(id)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"status": "not_found", "error": "Zip file not found"})
			return
		}
		a.writeError(c, err, "zip_id", id)
		return
	}
	c.JSON(http.StatusOK, toStatusResponse(snap))
}

// DownloadZip streams a fresh archive as an attachment
func (a *API) DownloadZip(c *gin.Context) {
	id := idParam(c)
	f, art, err := a.store.Open(id)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Zip file not found"})
			return
		}
		a.writeError(c, err, "zip_id", id)
		return
	}
	defer f.Close()

	log.Info().Str("zip_id", id).Int64("size", art.Size).Msg("serving zip download")
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": id + ".zip"})
	c.DataFromReader(http.StatusOK, art.Size, "application/zip", f, map[string]string{
		"Content-Disposition": disposition,
	})
}

// ZipExists reports whether a fresh archive exists for a folder path
func (a *API) ZipExists(c *gin.Context) {
	rel := c.Param("id")
	sourcePath, err := a.resolver.Resolve(rel)
	if err != nil {
		a.writeError(c, err, "folder_path", rel)
		return
	}
	art, ok := a.store.Fresh(job.ArchiveID(sourcePath))
	exists := ok && (art.Source == "" || art.Source == sourcePath)
	log.Debug().Str("folder_path", rel).Bool("exists", exists).Msg("zip existence checked")
	c.JSON(http.StatusOK, gin.H{"exists": exists})
}

// CancelZip stops the live job for a folder, if any
func (a *API) CancelZip(c *gin.Context) {
	var req cancelZipRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.FolderPath) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Folder path is required"})
		return
	}
	sourcePath, err := a.resolver.Resolve(req.FolderPath)
	if err != nil {
		a.writeError(c, err, "folder_path", req.FolderPath)
		return
	}
	id := job.ArchiveID(sourcePath)
	found := a.registry.Cancel(id)
	log.Info().Str("zip_id", id).Str("folder", a.logPath(sourcePath)).Bool("live_job", found).Msg("zip cancel requested")
	c.JSON(http.StatusOK, gin.H{"status": job.StateCancelled})
}

// FolderSize returns the total size of the files under a folder
func (a *API) FolderSize(c *gin.Context) {
	rel := strings.TrimPrefix(c.Param("path"), "/")
	dir, err := a.resolver.Resolve(rel)
	if err != nil {
		a.writeError(c, err, "folder_path", rel)
		return
	}
	info, err := os.Stat(dir)
	if err != nil {
		a.writeError(c, err, "folder_path", rel)
		return
	}
	if !info.IsDir() {
		a.writeError(c, job.ErrNotDirectory, "folder_path", rel)
		return
	}
	size, err := a.sizes.Estimate(c.Request.Context(), dir)
	if err != nil {
		a.writeError(c, err, "folder_path", rel)
		return
	}
	c.JSON(http.StatusOK, gin.H{"size": size})
}

// Health reports liveness and the number of running jobs
func (a *API) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "activeJobs": a.registry.Active()})
}

func (a *API) writeError(c *gin.Context, err error, field, value string) {
	status, msg := http.StatusInternalServerError, err.Error()
	switch {
	case errors.Is(err, pathguard.ErrAccessDenied):
		status, msg = http.StatusForbidden, "Access denied"
	case errors.Is(err, pathguard.ErrInvalidPath), errors.Is(err, job.ErrInvalidPath):
		status = http.StatusBadRequest
	case errors.Is(err, job.ErrNotDirectory):
		status, msg = http.StatusBadRequest, "Path is not a directory"
	case errors.Is(err, job.ErrTooLarge):
		status = http.StatusBadRequest
	case errors.Is(err, job.ErrIDInUse):
		status = http.StatusConflict
	case errors.Is(err, fs.ErrNotExist):
		status, msg = http.StatusNotFound, "Path not found"
	case errors.Is(err, job.ErrNotFound), errors.Is(err, artifact.ErrNotFound):
		status, msg = http.StatusNotFound, "Zip file not found"
	}

	evt := log.Warn()
	if status >= http.StatusInternalServerError {
		evt = log.Error()
	}
	evt.Err(err).Str(field, value).Int("status", status).Msg("zip request failed")
	c.JSON(status, gin.H{"error": msg})
}

func toStatusResponse(snap job.Snapshot) statusResponse {
	resp := statusResponse{
		Status:     snap.State,
		Error:      snap.Error,
		Size:       snap.Size,
		FolderSize: snap.FolderSize,
		Cached:     snap.Cached,
	}
	if snap.State != job.StateError {
		progress := snap.Progress
		resp.Progress = &progress
	}
	if !snap.ExpiresAt.IsZero() {
		resp.ExpiresAt = snap.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// idParam returns the decoded :id segment.
func idParam(c *gin.Context) string {
	raw := c.Param("id")
	if id, err := url.PathUnescape(raw); err == nil {
		return id
	}
	return raw
}

// logPath renders a resolved folder relative to the storage root so logs do
// not leak the host layout.
func (a *API) logPath(abs string) string {
	rel, err := a.resolver.Rel(abs)
	if err != nil {
		return "?"
	}
	if rel == "" {
		return "/"
	}
	return rel
}
