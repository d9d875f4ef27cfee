package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"

	"resumeforge/internal/database"
	"resumeforge/internal/errcode"
	"resumeforge/internal/render"
)

var errInvalidResumeID = errors.New("invalid resume id")

// ExportStorage 是简历导出文档的存储接口（MinIO 实现，测试用 fake）。
type ExportStorage interface {
	UploadDocument(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) error
	GeneratePresignedURL(ctx context.Context, objectKey string, duration time.Duration) (string, error)
	DeleteObject(ctx context.Context, objectKey string) error
}

// ResumeHandler 负责处理与简历相关的 API 请求。
// 所有读写都按调用者身份过滤；创建受 free 层级限额约束。
type ResumeHandler struct {
	resumes        *database.ResumeStore
	users          *database.UserStore
	storage        ExportStorage
	logger         *slog.Logger
	freeMaxResumes int
}

// NewResumeHandler 构造 ResumeHandler。
func NewResumeHandler(resumes *database.ResumeStore, users *database.UserStore, storage ExportStorage, logger *slog.Logger, freeMaxResumes int) *ResumeHandler {
	return &ResumeHandler{
		resumes:        resumes,
		users:          users,
		storage:        storage,
		logger:         logger,
		freeMaxResumes: freeMaxResumes,
	}
}

type resumeRequest struct {
	Title        string         `json:"title" binding:"required,max=255"`
	FormData     datatypes.JSON `json:"form_data" binding:"required"`
	RenderedHTML string         `json:"rendered_html"`
	TemplateID   string         `json:"template_id"`
}

type resumeListItem struct {
	ID         uint      `json:"id"`
	Title      string    `json:"title"`
	TemplateID string    `json:"template_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type resumeResponse struct {
	ID           uint           `json:"id"`
	Title        string         `json:"title"`
	FormData     datatypes.JSON `json:"form_data"`
	RenderedHTML string         `json:"rendered_html,omitempty"`
	TemplateID   string         `json:"template_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// CreateResume 保存一份新的简历；free 层级超出限额时拒绝创建。
func (h *ResumeHandler) CreateResume(c *gin.Context) {
	var req resumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	ctx := c.Request.Context()
	logger := loggerFromContext(c, h.logger)

	// 限额按当前层级判定：过期的付费层级先惰性降级。
	if _, err := h.users.DowngradeIfExpired(ctx, userID, time.Now()); err != nil {
		logger.Error("lazy downgrade failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	user, err := h.users.FindByID(ctx, userID)
	if err != nil {
		logger.Error("load user for quota check failed", slog.Any("error", err))
		Internal(c, "internal error")
		return
	}

	if user.Plan == database.PlanFree {
		count, err := h.resumes.CountByOwner(ctx, userID)
		if err != nil {
			logger.Error("count resumes failed", slog.Any("error", err))
			Internal(c, "internal error")
			return
		}
		if count >= int64(h.freeMaxResumes) {
			Forbidden(c, errcode.QuotaExceeded, fmt.Sprintf("free plan allows at most %d resumes", h.freeMaxResumes))
			return
		}
	}

	resume := database.Resume{
		Title:        req.Title,
		FormData:     req.FormData,
		RenderedHTML: req.RenderedHTML,
		TemplateID:   req.TemplateID,
		UserID:       userID,
	}
	if err := h.resumes.Create(ctx, &resume); err != nil {
		logger.Error("create resume failed", slog.Any("error", err))
		Internal(c, "failed to create resume")
		return
	}

	c.JSON(http.StatusCreated, newResumeResponse(resume))
}

// ListResumes 列出用户全部简历。
func (h *ResumeHandler) ListResumes(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	resumes, err := h.resumes.ListByOwner(c.Request.Context(), userID)
	if err != nil {
		loggerFromContext(c, h.logger).Error("list resumes failed", slog.Any("error", err))
		Internal(c, "failed to list resumes")
		return
	}

	items := make([]resumeListItem, 0, len(resumes))
	for _, r := range resumes {
		items = append(items, resumeListItem{
			ID:         r.ID,
			Title:      r.Title,
			TemplateID: r.TemplateID,
			CreatedAt:  r.CreatedAt,
			UpdatedAt:  r.UpdatedAt,
		})
	}

	c.JSON(http.StatusOK, items)
}

// GetResume 返回调用者名下指定 ID 的简历。
func (h *ResumeHandler) GetResume(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	resume, err := h.getResumeForUser(c, userID)
	if err != nil {
		return
	}

	c.JSON(http.StatusOK, newResumeResponse(*resume))
}

// UpdateResume 覆盖指定简历。
func (h *ResumeHandler) UpdateResume(c *gin.Context) {
	var req resumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	resume, err := h.getResumeForUser(c, userID)
	if err != nil {
		return
	}

	ctx := c.Request.Context()
	updates := map[string]any{
		"title":         req.Title,
		"form_data":     req.FormData,
		"rendered_html": req.RenderedHTML,
		"template_id":   req.TemplateID,
	}
	if err := h.resumes.Update(ctx, resume.ID, userID, updates); err != nil {
		loggerFromContext(c, h.logger).Error("update resume failed", slog.Any("error", err))
		Internal(c, "failed to update resume")
		return
	}

	updated, err := h.resumes.GetByOwner(ctx, resume.ID, userID)
	if err != nil {
		loggerFromContext(c, h.logger).Error("reload resume failed", slog.Any("error", err))
		Internal(c, "failed to reload resume")
		return
	}

	c.JSON(http.StatusOK, newResumeResponse(*updated))
}

// DeleteResume 删除指定简历，并顺带清理已导出的文档副本。
func (h *ResumeHandler) DeleteResume(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	resume, err := h.getResumeForUser(c, userID)
	if err != nil {
		return
	}

	ctx := c.Request.Context()
	if err := h.resumes.Delete(ctx, resume.ID, userID); err != nil {
		loggerFromContext(c, h.logger).Error("delete resume failed", slog.Any("error", err))
		Internal(c, "failed to delete resume")
		return
	}

	if h.storage != nil {
		if err := h.storage.DeleteObject(ctx, exportObjectKey(userID, resume.ID)); err != nil {
			loggerFromContext(c, h.logger).Warn("delete export copy failed", slog.Any("error", err))
		}
	}

	c.Status(http.StatusNoContent)
}

// DownloadResume 直接返回渲染好的 HTML 文档。
// 有预渲染内容时原样输出，否则由结构化字段薄层合成。
func (h *ResumeHandler) DownloadResume(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	resume, err := h.getResumeForUser(c, userID)
	if err != nil {
		return
	}

	doc, err := h.renderDocument(resume)
	if err != nil {
		loggerFromContext(c, h.logger).Error("render resume failed", slog.Any("error", err))
		Internal(c, "failed to render resume")
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", resume.Title+".html"))
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(doc))
}

// GetDownloadLink 把渲染结果上传到对象存储并返回预签名下载链接。
func (h *ResumeHandler) GetDownloadLink(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	resume, err := h.getResumeForUser(c, userID)
	if err != nil {
		return
	}

	logger := loggerFromContext(c, h.logger)

	doc, err := h.renderDocument(resume)
	if err != nil {
		logger.Error("render resume failed", slog.Any("error", err))
		Internal(c, "failed to render resume")
		return
	}

	ctx := c.Request.Context()
	objectKey := exportObjectKey(userID, resume.ID)
	reader := strings.NewReader(doc)
	if err := h.storage.UploadDocument(ctx, objectKey, reader, int64(len(doc)), "text/html; charset=utf-8"); err != nil {
		logger.Error("upload export failed", slog.Any("error", err))
		Internal(c, "failed to export resume")
		return
	}

	signedURL, err := h.storage.GeneratePresignedURL(ctx, objectKey, 5*time.Minute)
	if err != nil {
		logger.Error("generate download link failed", slog.Any("error", err))
		Internal(c, "failed to generate download link")
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": signedURL})
}

func (h *ResumeHandler) renderDocument(resume *database.Resume) (string, error) {
	if resume.RenderedHTML != "" {
		return resume.RenderedHTML, nil
	}

	var formData map[string]any
	if len(resume.FormData) > 0 {
		if err := json.Unmarshal(resume.FormData, &formData); err != nil {
			return "", fmt.Errorf("decode form data: %w", err)
		}
	}
	return render.Document(resume.Title, resume.TemplateID, formData)
}

// getResumeForUser 解析路径参数并按 owner 加载简历；失败时已写好响应，调用方直接 return。
func (h *ResumeHandler) getResumeForUser(c *gin.Context, userID uint) (*database.Resume, error) {
	resumeID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		BadRequest(c, "invalid resume id")
		return nil, errInvalidResumeID
	}

	resume, err := h.resumes.GetByOwner(c.Request.Context(), uint(resumeID), userID)
	if err != nil {
		if errors.Is(err, database.ErrResumeNotFound) {
			NotFound(c, "resume not found")
		} else {
			loggerFromContext(c, h.logger).Error("query resume failed", slog.Any("error", err))
			Internal(c, "failed to query resume")
		}
		return nil, err
	}
	return resume, nil
}

func exportObjectKey(userID, resumeID uint) string {
	return fmt.Sprintf("exports/%d/%d.html", userID, resumeID)
}

func newResumeResponse(resume database.Resume) resumeResponse {
	return resumeResponse{
		ID:           resume.ID,
		Title:        resume.Title,
		FormData:     resume.FormData,
		RenderedHTML: resume.RenderedHTML,
		TemplateID:   resume.TemplateID,
		CreatedAt:    resume.CreatedAt,
		UpdatedAt:    resume.UpdatedAt,
	}
}
