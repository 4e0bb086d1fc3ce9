package handlers

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wudi/restgate/internal/apierror"
	"github.com/wudi/restgate/internal/config"
	"github.com/wudi/restgate/internal/db"
	"github.com/wudi/restgate/internal/logging"
)

const defaultMaxUpload = 32 << 20

// Upload accepts multipart uploads bounded by the descriptor's maxSize and
// persists them under the route's upload directory as uuid-originalname.
func Upload(ep *config.Endpoint) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := request(w, r)
		if rc == nil {
			return
		}

		maxSize := ep.MaxSize
		if maxSize <= 0 {
			maxSize = defaultMaxUpload
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxSize)

		if err := r.ParseMultipartForm(maxSize); err != nil {
			if strings.Contains(err.Error(), "request body too large") {
				fail(rc, apierror.ErrRequestEntityTooLarge)
				return
			}
			fail(rc, apierror.ErrValidation.WithDetails("multipart form expected"))
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			fail(rc, apierror.ErrValidation.WithDetails("file field required"))
			return
		}
		defer file.Close()

		dir := uploadDir(ep)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logging.Error("upload directory", zap.String("dir", dir), zap.Error(err))
			fail(rc, apierror.ErrInternalServer)
			return
		}

		name := uuid.New().String() + "-" + filepath.Base(header.Filename)
		dst := filepath.Join(dir, name)

		out, err := os.Create(dst)
		if err != nil {
			logging.Error("upload create", zap.String("path", dst), zap.Error(err))
			fail(rc, apierror.ErrInternalServer)
			return
		}
		defer out.Close()

		size, err := io.Copy(out, file)
		if err != nil {
			os.Remove(dst)
			fail(rc, apierror.ErrInternalServer)
			return
		}

		rc.Response.Status = http.StatusCreated
		rc.Response.Message = "uploaded"
		rc.Response.Data = []db.Row{{
			"filename": name,
			"original": header.Filename,
			"size":     size,
		}}
	})
}

// uploadDir resolves the per-route storage directory.
func uploadDir(ep *config.Endpoint) string {
	if ep.UploadDir != "" {
		return ep.UploadDir
	}
	slug := strings.Trim(strings.ReplaceAll(ep.Route, "/", "_"), "_")
	return filepath.Join("uploads", slug)
}
