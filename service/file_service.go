package service

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docverse/docsim-be/repository"
	"github.com/docverse/docsim-be/types"
	"github.com/docverse/docsim-be/utils"
)

// MaxUploadSize bounds a single uploaded file.
const MaxUploadSize = 512 << 20 // 512 MB

// FileService accepts uploads, persists them to the upload directory, and
// registers the document row.
type FileService struct {
	uploadDir string
	documents repository.DocumentRepo
}

func NewFileService(uploadDir string, documents repository.DocumentRepo) *FileService {
	return &FileService{
		uploadDir: uploadDir,
		documents: documents,
	}
}

// SaveUpload writes the uploaded file to disk and creates the document row in
// the queued state, ready for the pipeline to pick up.
func (s *FileService) SaveUpload(ctx context.Context, fileHeader *multipart.FileHeader, req types.UploadRequest) (*types.Document, error) {
	if fileHeader.Size > MaxUploadSize {
		return nil, fmt.Errorf("file too large: %d bytes, limit is %d", fileHeader.Size, MaxUploadSize)
	}
	if !strings.EqualFold(filepath.Ext(fileHeader.Filename), ".pdf") {
		return nil, fmt.Errorf("unsupported file type: %s", filepath.Ext(fileHeader.Filename))
	}

	if err := os.MkdirAll(s.uploadDir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	fileName := fmt.Sprintf("%d_%s", time.Now().Unix(), utils.SanitizeFileName(fileHeader.Filename))
	filePath := filepath.Join(s.uploadDir, fileName)

	src, err := fileHeader.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(filePath)
		return nil, fmt.Errorf("failed to save file: %w", err)
	}

	title := req.Title
	if title == "" {
		title = utils.FileNameWithoutExt(fileHeader.Filename)
	}

	doc := &types.Document{
		ID:          uuid.NewString(),
		Owner:       req.Owner,
		Title:       title,
		FileName:    fileHeader.Filename,
		FilePath:    filePath,
		ContentType: fileHeader.Header.Get("Content-Type"),
		FileSize:    fileHeader.Size,
		Status:      types.StatusQueued,
		Phase:       types.PhaseInit,
		Tags:        req.Tags,
	}
	if err := s.documents.CreateDocument(ctx, doc); err != nil {
		os.Remove(filePath)
		return nil, fmt.Errorf("failed to create document: %w", err)
	}
	return doc, nil
}
