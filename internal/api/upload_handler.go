package api

import (
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"docchat/internal/domain/pipeline"
	"docchat/internal/domain/rag"
)

// UploadHandler 语料上传与上传记录
type UploadHandler struct {
	svc       *pipeline.Service
	maxFileMB int
}

// NewUploadHandler 创建上传处理器
func NewUploadHandler(svc *pipeline.Service, maxFileMB int) *UploadHandler {
	if maxFileMB <= 0 {
		maxFileMB = 20
	}
	return &UploadHandler{svc: svc, maxFileMB: maxFileMB}
}

// RegisterRoutes 注册上传路由
func (h *UploadHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/upload", h.UploadFile)
	r.Post("/api/subtitles", h.UploadSubtitles)
	r.Post("/api/website", h.AddWebsite)
	r.Post("/api/youtube", h.AddYouTube)
	r.Get("/api/documents", h.ListDocuments)
}

type documentsResponse struct {
	Documents []*pipeline.Document `json:"documents"`
}

// UploadFile 单文件上传（pdf/docx/md/txt）
func (h *UploadHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	files, ok := h.parseFiles(w, r, "file")
	if !ok {
		return
	}
	defer closeAll(files)
	h.ingest(w, r, toRefs(rag.SourceFile, files[:1]))
}

// UploadSubtitles 字幕批量上传（.srt/.vtt）
func (h *UploadHandler) UploadSubtitles(w http.ResponseWriter, r *http.Request) {
	files, ok := h.parseFiles(w, r, "files")
	if !ok {
		return
	}
	defer closeAll(files)
	h.ingest(w, r, toRefs(rag.SourceSubtitle, files))
}

// AddWebsite 网页入库
func (h *UploadHandler) AddWebsite(w http.ResponseWriter, r *http.Request) {
	h.addURL(w, r, rag.SourceWebsite)
}

// AddYouTube YouTube 字幕入库
func (h *UploadHandler) AddYouTube(w http.ResponseWriter, r *http.Request) {
	h.addURL(w, r, rag.SourceYouTube)
}

// ListDocuments 上传记录，?type= 过滤
func (h *UploadHandler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	identity, err := IdentityFrom(r.Context())
	if err != nil {
		writeServiceError(w, pipeline.ErrAuthRequired)
		return
	}

	var kind rag.SourceKind
	if t := r.URL.Query().Get("type"); t != "" {
		kind, err = rag.ParseSourceKind(t)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	docs, err := h.svc.Documents(r.Context(), identity, kind)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if docs == nil {
		docs = []*pipeline.Document{}
	}
	writeJSON(w, http.StatusOK, &documentsResponse{Documents: docs})
}

type urlRequest struct {
	URL string `json:"url"`
}

func (h *UploadHandler) addURL(w http.ResponseWriter, r *http.Request, kind rag.SourceKind) {
	var req urlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	h.ingest(w, r, []rag.SourceRef{{Kind: kind, Name: req.URL}})
}

func (h *UploadHandler) ingest(w http.ResponseWriter, r *http.Request, refs []rag.SourceRef) {
	identity, err := IdentityFrom(r.Context())
	if err != nil {
		writeServiceError(w, pipeline.ErrAuthRequired)
		return
	}

	docs, err := h.svc.Ingest(r.Context(), identity, refs)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &documentsResponse{Documents: docs})
}

type uploadedFile struct {
	name string
	file multipart.File
}

// parseFiles 解析 multipart（限制 maxFileMB MB）
func (h *UploadHandler) parseFiles(w http.ResponseWriter, r *http.Request, field string) ([]uploadedFile, bool) {
	if _, err := IdentityFrom(r.Context()); err != nil {
		writeServiceError(w, pipeline.ErrAuthRequired)
		return nil, false
	}

	limitBytes := int64(h.maxFileMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, limitBytes+(1<<20))
	if err := r.ParseMultipartForm(limitBytes); err != nil {
		writeError(w, http.StatusBadRequest, "failed to parse multipart form")
		return nil, false
	}

	headers := r.MultipartForm.File[field]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s field is required", field))
		return nil, false
	}

	files := make([]uploadedFile, 0, len(headers))
	for _, header := range headers {
		if header.Size > limitBytes {
			closeAll(files)
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file size exceeds limit (%dMB)", h.maxFileMB))
			return nil, false
		}
		f, err := header.Open()
		if err != nil {
			closeAll(files)
			writeError(w, http.StatusBadRequest, "failed to read uploaded file")
			return nil, false
		}
		files = append(files, uploadedFile{name: filepath.Base(header.Filename), file: f})
	}
	return files, true
}

func toRefs(kind rag.SourceKind, files []uploadedFile) []rag.SourceRef {
	refs := make([]rag.SourceRef, len(files))
	for i, f := range files {
		refs[i] = rag.SourceRef{Kind: kind, Name: f.name, Reader: f.file}
	}
	return refs
}

func closeAll(files []uploadedFile) {
	for _, f := range files {
		f.file.Close()
	}
}
