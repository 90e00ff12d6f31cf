package handler

import (
	"bufio"
	"errors"
	"io"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/loopforge/exporter/internal/delivery"
	"github.com/loopforge/exporter/internal/model"
	"github.com/loopforge/exporter/pkg/logger"
	"github.com/loopforge/exporter/pkg/response"
)

// DownloadHandler serves each finished export exactly once.
type DownloadHandler struct {
	files *delivery.LocalPublisher
	log   *logger.Logger
}

func NewDownloadHandler(files *delivery.LocalPublisher, log *logger.Logger) *DownloadHandler {
	if log == nil {
		log = logger.Discard()
	}
	return &DownloadHandler{
		files: files,
		log:   log.WithComponent("download"),
	}
}

// Download handles GET /download/:filename
// @Summary      Download export
// @Description  Stream a finished video once; the file is deleted after a complete transfer
// @Tags         Export
// @Produce      octet-stream
// @Param        filename path string true "File name"
// @Success      200 {file} file
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Router       /download/{filename} [get]
func (h *DownloadHandler) Download(c *fiber.Ctx) error {
	// Params are not unescaped by fiber; a client may encode the separators.
	name, err := url.PathUnescape(c.Params("filename"))
	if err != nil {
		return response.BadRequest(c, "Invalid filename")
	}

	dl, err := h.files.Claim(name)
	switch {
	case errors.Is(err, delivery.ErrInvalidName):
		h.log.Warn("rejected download name", "file", name, "ip", c.IP())
		return response.BadRequest(c, "Invalid filename")
	case errors.Is(err, delivery.ErrNotFound):
		return response.NotFound(c, "File not found or already downloaded")
	case err != nil:
		h.log.Error("claim failed", "file", name, "error", err)
		return response.ServiceError(c, "Failed to open file")
	}

	c.Attachment(dl.Name)
	c.Set(fiber.HeaderContentType, contentType(dl.Name))

	size := dl.Size
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		n, err := io.Copy(w, dl.File)
		if err == nil {
			err = w.Flush()
		}
		if err != nil || n != size {
			h.log.Warn("download interrupted, keeping file", "file", dl.Name, "sent", n, "size", size, "error", err)
			_ = dl.Release()
			return
		}
		_ = dl.Complete()
	})
	return nil
}

func contentType(name string) string {
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	return model.Format(strings.ToLower(ext)).ContentType()
}
