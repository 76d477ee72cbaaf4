package api

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/journeyoor/pkg/config"
	"github.com/ethpandaops/journeyoor/pkg/upload"
)

const defaultPresignExpiry = time.Hour

// presignCacheEntry holds a cached presigned URL and its expiration time.
type presignCacheEntry struct {
	url       string
	expiresAt time.Time
}

// s3Presigner generates presigned GET URLs for uploaded run reports.
type s3Presigner struct {
	log           logrus.FieldLogger
	bucket        string
	prefix        string
	presignClient *s3.PresignClient
	expiry        time.Duration
	cacheTTL      time.Duration
	mu            sync.RWMutex
	cache         map[string]presignCacheEntry
}

func newS3Presigner(
	log logrus.FieldLogger,
	cfg *config.S3UploadConfig,
	expiry time.Duration,
) (*s3Presigner, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("upload.bucket is required for report links")
	}

	return &s3Presigner{
		log:           log.WithField("component", "s3-presigner"),
		bucket:        cfg.Bucket,
		prefix:        strings.Trim(cfg.Prefix, "/"),
		presignClient: s3.NewPresignClient(upload.NewS3Client(cfg)),
		expiry:        expiry,
		cacheTTL:      expiry / 2,
		cache:         make(map[string]presignCacheEntry),
	}, nil
}

// objectKey maps a report path relative to the upload prefix to its key.
func (p *s3Presigner) objectKey(rel string) (string, bool) {
	if rel == "" || strings.Contains(rel, "..") || path.Clean(rel) != rel ||
		strings.HasPrefix(rel, "/") {
		return "", false
	}

	if p.prefix == "" {
		return rel, true
	}

	return p.prefix + "/" + rel, true
}

// PresignedURL returns a presigned GET URL for the report at rel. Results
// are cached for half the URL expiry.
func (p *s3Presigner) PresignedURL(ctx context.Context, rel string) (string, error) {
	key, ok := p.objectKey(rel)
	if !ok {
		return "", fmt.Errorf("report path %q is not allowed", rel)
	}

	now := time.Now()

	p.mu.RLock()
	if entry, ok := p.cache[key]; ok && now.Before(entry.expiresAt) {
		p.mu.RUnlock()

		return entry.url, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.cache[key]; ok && now.Before(entry.expiresAt) {
		return entry.url, nil
	}

	result, err := p.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(p.expiry))
	if err != nil {
		return "", fmt.Errorf("presigning URL for %q: %w", key, err)
	}

	p.cache[key] = presignCacheEntry{
		url:       result.URL,
		expiresAt: now.Add(p.cacheTTL),
	}

	return result.URL, nil
}

// handleReport returns (or redirects to) a presigned link to an uploaded
// report file.
func (s *server) handleReport(w http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")

	url, err := s.presigner.PresignedURL(r.Context(), rel)
	if err != nil {
		s.log.WithError(err).WithField("path", rel).
			Warn("Failed to presign report link")
		writeJSON(w, http.StatusForbidden,
			errorResponse{"path not allowed or presign failed"})

		return
	}

	if r.URL.Query().Get("redirect") == "true" {
		http.Redirect(w, r, url, http.StatusFound)

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}
