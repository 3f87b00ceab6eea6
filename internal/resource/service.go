package resource

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"campusgenius/internal/logger"
	"campusgenius/internal/store"

	"github.com/google/uuid"
)

type Document struct {
	Name        string
	ContentType string
	Data        []byte
}

type Service struct {
	blobs BlobStore
	repo  store.Repo
	log   *logger.Logger
}

func NewService(blobs BlobStore, repo store.Repo, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{blobs: blobs, repo: repo, log: log.With("service", "resource")}
}

// Save writes the document bytes and then its Resource row. When the row
// cannot be written the blob is removed again.
func (s *Service) Save(ctx context.Context, courseID, createdBy int64, doc Document) (*store.Resource, error) {
	key := StorageKey(courseID, doc.Name)
	if err := s.blobs.Put(ctx, key, doc.ContentType, doc.Data); err != nil {
		return nil, fmt.Errorf("store blob: %w", err)
	}

	res, err := s.repo.InsertResource(ctx, store.Resource{
		CourseID:     courseID,
		Title:        doc.Name,
		Description:  "Uploaded for AI processing",
		ResourceType: ResourceType(doc.Name),
		StorageKey:   key,
		ContentType:  doc.ContentType,
		SizeBytes:    int64(len(doc.Data)),
		CreatedBy:    createdBy,
	})
	if err != nil {
		if derr := s.blobs.Delete(ctx, key); derr != nil {
			s.log.Warn("orphaned blob after failed insert", "key", key, "error", derr)
		}
		return nil, fmt.Errorf("insert resource: %w", err)
	}
	return res, nil
}

func StorageKey(courseID int64, name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	return fmt.Sprintf("courses/%d/%s%s", courseID, uuid.NewString(), ext)
}

// ResourceType classifies a file by extension.
func ResourceType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf", ".doc", ".docx", ".txt", ".md":
		return "document"
	case ".ppt", ".pptx":
		return "presentation"
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return "image"
	case ".mp4", ".webm", ".mov":
		return "video"
	default:
		return "other"
	}
}
