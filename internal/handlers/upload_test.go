package handlers

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wudi/restgate/internal/config"
	"github.com/wudi/restgate/internal/registry"
)

func multipartBody(t *testing.T, field, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	fw.Write([]byte(content))
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func doUpload(t *testing.T, ep *config.Endpoint, field, filename, content string) *registry.RequestContext {
	t.Helper()
	body, contentType := multipartBody(t, field, filename, content)
	r := httptest.NewRequest("POST", ep.Route, body)
	r.Header.Set("Content-Type", contentType)

	rc := registry.NewRequestContext("up-req", nil)
	r = r.WithContext(registry.WithRequest(r.Context(), rc))
	Upload(ep).ServeHTTP(httptest.NewRecorder(), r)
	return rc
}

func TestUploadPersistsWithUUIDPrefix(t *testing.T) {
	dir := t.TempDir()
	ep := &config.Endpoint{
		RouteType: config.RouteFileUpload,
		Route:     "/upload/docs",
		UploadDir: dir,
	}

	rc := doUpload(t, ep, "file", "report.txt", "hello")
	if rc.Response.Status != http.StatusCreated {
		t.Fatalf("status = %d, error = %v", rc.Response.Status, rc.Response.Error)
	}

	name, _ := rc.Response.Data[0]["filename"].(string)
	if !strings.HasSuffix(name, "-report.txt") {
		t.Fatalf("filename = %q, want uuid-originalname", name)
	}
	if len(name) != 36+1+len("report.txt") {
		t.Errorf("filename %q does not carry a uuid prefix", name)
	}

	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read persisted file: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("content = %q", data)
	}
}

func TestUploadTooLarge(t *testing.T) {
	ep := &config.Endpoint{
		RouteType: config.RouteFileUpload,
		Route:     "/upload/docs",
		UploadDir: t.TempDir(),
		MaxSize:   16,
	}

	rc := doUpload(t, ep, "file", "big.bin", strings.Repeat("x", 4096))
	if rc.Response.Status != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rc.Response.Status)
	}
}

func TestUploadMissingFileField(t *testing.T) {
	ep := &config.Endpoint{
		RouteType: config.RouteFileUpload,
		Route:     "/upload/docs",
		UploadDir: t.TempDir(),
	}

	rc := doUpload(t, ep, "other", "a.txt", "data")
	if rc.Response.Status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rc.Response.Status)
	}
}
