package handler

import (
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/voltscope/api/internal/classifier"
	"github.com/voltscope/api/internal/service"
	"github.com/voltscope/api/pkg/response"
)

const maxSnapshotSize = 10 * 1024 * 1024 // 10MB per image

const maxBatchFiles = 50

// SnapshotHandler accepts BMS display snapshot uploads
type SnapshotHandler struct {
	service   *service.SubmitService
	validator *validator.Validate
}

func NewSnapshotHandler(svc *service.SubmitService, v *validator.Validate) *SnapshotHandler {
	return &SnapshotHandler{
		service:   svc,
		validator: v,
	}
}

// Submit handles POST /api/snapshots
// @Summary      Submit snapshot batch
// @Description  Upload BMS display images for analysis. Duplicates of already-analysed snapshots are skipped unless force=true.
// @Tags         Snapshots
// @Accept       multipart/form-data
// @Produce      json
// @Param        files formData file true "Snapshot images (JPEG, PNG, WebP; max 10MB each)"
// @Param        force formData string false "Bypass duplicate detection"
// @Success      202 {object} model.SubmitResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/snapshots [post]
func (h *SnapshotHandler) Submit(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return response.ValidationError(c, "Multipart form is required", nil)
	}

	files := form.File["files"]
	if len(files) == 0 {
		return response.ValidationError(c, "At least one file is required", nil)
	}
	if len(files) > maxBatchFiles {
		return response.ValidationError(c, "Too many files in one batch", map[string]interface{}{
			"maxFiles": maxBatchFiles,
			"got":      len(files),
		})
	}

	// Optional per-file identity keys, aligned with files by index
	identityKeys := form.Value["identityKeys"]

	force := strings.EqualFold(c.FormValue("force"), "true")

	batch := make([]classifier.Candidate, 0, len(files))
	for i, file := range files {
		if file.Size > maxSnapshotSize {
			return response.ValidationError(c, "File size exceeds 10MB limit", map[string]interface{}{
				"fileName": file.Filename,
				"maxSize":  maxSnapshotSize,
				"fileSize": file.Size,
			})
		}

		contentType := file.Header.Get("Content-Type")
		if !validImageTypes[contentType] {
			return response.ValidationError(c, "Invalid file type. Supported: JPEG, PNG, WebP, GIF", map[string]interface{}{
				"fileName":    file.Filename,
				"contentType": contentType,
			})
		}

		f, err := file.Open()
		if err != nil {
			return response.ServiceError(c, "Failed to open uploaded file")
		}
		content, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return response.ServiceError(c, "Failed to read uploaded file")
		}

		cand := classifier.Candidate{
			FileName: file.Filename,
			Content:  content,
		}
		if i < len(identityKeys) {
			cand.IdentityKey = strings.TrimSpace(identityKeys[i])
		}
		batch = append(batch, cand)
	}

	result, err := h.service.Submit(c.Context(), batch, force)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, result)
}

var validImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
}
