package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/signflow/signflow/internal/db/models"
	"github.com/signflow/signflow/pkg/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrArtifactNotFound = errors.New("artifact not found")
)

// StoredArtifact is the reference returned for uploaded content.
type StoredArtifact struct {
	ID   string
	URL  string
	Hash string
	Size int64
}

// ArtifactStore keeps binary documents and hands out stable references.
type ArtifactStore interface {
	Put(ctx context.Context, name, contentType string, content []byte) (*StoredArtifact, error)
	Get(ctx context.Context, id string) (*models.Artifact, error)
}

type ArtifactService struct {
	db      *gorm.DB
	baseURL string
	logger  *zap.Logger
	metrics *metrics.MetricsCollector
}

func NewArtifactService(db *gorm.DB, publicBaseURL string, logger *zap.Logger, metrics *metrics.MetricsCollector) *ArtifactService {
	return &ArtifactService{
		db:      db,
		baseURL: strings.TrimRight(publicBaseURL, "/"),
		logger:  logger.With(zap.String("service", "artifact_service")),
		metrics: metrics,
	}
}

// ContentHash is the hash format used for every stored document.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func (as *ArtifactService) URL(id string) string {
	return as.baseURL + "/artifacts/" + id
}

func (as *ArtifactService) Put(ctx context.Context, name, contentType string, content []byte) (*StoredArtifact, error) {
	start := time.Now()
	if len(content) == 0 {
		return nil, fmt.Errorf("artifact %q is empty", name)
	}

	artifact := &models.Artifact{
		ID:          uuid.New().String(),
		Name:        name,
		ContentType: contentType,
		Content:     content,
		ContentHash: ContentHash(content),
		Size:        int64(len(content)),
	}
	if err := as.db.WithContext(ctx).Create(artifact).Error; err != nil {
		as.metrics.IncrementCounter("artifacts.put_failed", nil)
		return nil, fmt.Errorf("failed to store artifact: %w", err)
	}

	as.metrics.IncrementCounter("artifacts.stored", map[string]string{"content_type": contentType})
	as.metrics.ObserveSize("artifact_size", float64(artifact.Size))
	as.metrics.ObserveLatency("artifact_put", time.Since(start))
	as.logger.Debug("Stored artifact",
		zap.String("artifact_id", artifact.ID),
		zap.String("name", name),
		zap.Int64("size", artifact.Size))

	return &StoredArtifact{
		ID:   artifact.ID,
		URL:  as.URL(artifact.ID),
		Hash: artifact.ContentHash,
		Size: artifact.Size,
	}, nil
}

func (as *ArtifactService) Get(ctx context.Context, id string) (*models.Artifact, error) {
	var artifact models.Artifact
	err := as.db.WithContext(ctx).First(&artifact, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, err
	}
	return &artifact, nil
}

// ArtifactID recovers the artifact id from a reference produced by URL. Bare
// ids are returned unchanged.
func ArtifactID(ref string) string {
	if i := strings.LastIndex(ref, "/artifacts/"); i >= 0 {
		return ref[i+len("/artifacts/"):]
	}
	return ref
}
