// Package blobstore stores tenant blobs under dated, collision-free keys and
// identifies them by the sha256 of the bytes actually uploaded.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/atharvv04/CompliancePilot/internal/storage/objectstore"
	"github.com/google/uuid"
)

const MetadataSHA256 = "sha256"

var ErrHashMismatch = errors.New("blob hash mismatch")

type Store struct {
	objects objectstore.Store
	bucket  string
	now     func() time.Time
	newID   func() string
}

func New(objects objectstore.Store, bucket string) (*Store, error) {
	if objects == nil {
		return nil, errors.New("object store is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	return &Store{
		objects: objects,
		bucket:  bucket,
		now:     time.Now,
		newID:   uuid.NewString,
	}, nil
}

type PutRequest struct {
	TenantID    string
	Category    string
	Subcategory string
	Name        string
	ContentType string
	Data        []byte
}

type Blob struct {
	Bucket string
	Key    string
	SHA256 string
	Size   int64
}

// Key layout: {tenant}/{category}[/{subcategory}]/{yyyy-mm-dd}/{uuid}_{name}.
func (s *Store) objectKey(req PutRequest) string {
	parts := []string{sanitizeSegment(req.TenantID), sanitizeSegment(req.Category)}
	if sub := sanitizeSegment(req.Subcategory); sub != "" {
		parts = append(parts, sub)
	}
	parts = append(parts, s.now().UTC().Format("2006-01-02"), s.newID()+"_"+sanitizeSegment(req.Name))
	return path.Join(parts...)
}

func (s *Store) Put(ctx context.Context, req PutRequest) (Blob, error) {
	if s == nil || s.objects == nil {
		return Blob{}, errors.New("blob store not initialized")
	}
	if strings.TrimSpace(req.TenantID) == "" {
		return Blob{}, errors.New("tenant id is required")
	}
	if strings.TrimSpace(req.Category) == "" {
		return Blob{}, errors.New("category is required")
	}
	if sanitizeSegment(req.Name) == "" {
		return Blob{}, errors.New("name is required")
	}
	if req.ContentType == "" {
		req.ContentType = "application/octet-stream"
	}

	sum := Hash(req.Data)
	key := s.objectKey(req)
	err := s.objects.Put(ctx, s.bucket, key, bytes.NewReader(req.Data), int64(len(req.Data)), objectstore.PutOptions{
		ContentType: req.ContentType,
		Metadata: map[string]string{
			MetadataSHA256: sum,
			"tenant":       req.TenantID,
		},
	})
	if err != nil {
		return Blob{}, err
	}
	return Blob{Bucket: s.bucket, Key: key, SHA256: sum, Size: int64(len(req.Data))}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if s == nil || s.objects == nil {
		return nil, errors.New("blob store not initialized")
	}
	rc, _, err := s.objects.Get(ctx, s.bucket, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Verify reads key back and compares its digest with want.
func (s *Store) Verify(ctx context.Context, key, want string) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if got := Hash(data); got != want {
		return fmt.Errorf("%w: %s has %s, want %s", ErrHashMismatch, key, got, want)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if s == nil || s.objects == nil {
		return errors.New("blob store not initialized")
	}
	return s.objects.Delete(ctx, s.bucket, key)
}

func (s *Store) Bucket() string {
	if s == nil {
		return ""
	}
	return s.bucket
}

func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// sanitizeSegment keeps a key segment free of separators and traversal.
func sanitizeSegment(v string) string {
	v = strings.TrimSpace(v)
	v = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, v)
	if v == "." || v == ".." {
		return "_"
	}
	return v
}
