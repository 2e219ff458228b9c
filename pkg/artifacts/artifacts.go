// Package artifacts stores worker result blobs and out-of-band large tool
// outputs on the filesystem, addressed by opaque ids.
package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/maestro-run/maestro/pkg/models"
)

// Blob kinds under a worker's directory.
const (
	KindResult   = "result"
	KindMetadata = "metadata"
)

var (
	// ErrNotFound is returned when no blob exists at the requested address.
	ErrNotFound = errors.New("artifact not found")
	// ErrForbidden is returned when metadata is requested by a non-owner.
	ErrForbidden = errors.New("artifact access forbidden")
)

// Metadata is the sidecar record written next to a worker's result.
type Metadata struct {
	OwnerID    string             `json:"owner_id"`
	JobID      string             `json:"job_id"`
	Summary    string             `json:"summary,omitempty"`
	DurationMs int64              `json:"duration_ms"`
	Usage      *models.TokenUsage `json:"usage,omitempty"`
	Truncated  bool               `json:"truncated,omitempty"`
}

// Store persists worker artifacts. Implementations must tolerate concurrent
// writers on distinct workerIDs.
type Store interface {
	Put(workerID, kind string, content []byte) error
	Get(workerID, kind string) ([]byte, error)
	// PutMetadata and GetMetadata wrap the metadata kind with JSON encoding.
	PutMetadata(workerID string, md Metadata) error
	// GetMetadata enforces owner scoping: ErrForbidden when ownerID does not
	// match the stored owner.
	GetMetadata(workerID, ownerID string) (*Metadata, error)
}

// FSStore is a filesystem-backed Store rooted at a base directory, laid out
// as <base>/worker/<workerID>/<kind>.
type FSStore struct {
	base string
}

// NewFSStore creates the base directory if needed.
func NewFSStore(base string) (*FSStore, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact base dir: %w", err)
	}
	return &FSStore{base: base}, nil
}

func (s *FSStore) path(workerID, kind string) (string, error) {
	// Opaque ids come from uuid generation, but reject separators anyway so
	// a corrupted id can never escape the base directory.
	if workerID == "" || strings.ContainsAny(workerID, "/\\.") {
		return "", fmt.Errorf("invalid worker id %q", workerID)
	}
	return filepath.Join(s.base, "worker", workerID, kind), nil
}

func (s *FSStore) Put(workerID, kind string, content []byte) error {
	p, err := s.path(workerID, kind)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	// Write-then-rename so readers never observe a partial blob.
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("publish artifact: %w", err)
	}
	return nil
}

func (s *FSStore) Get(workerID, kind string) ([]byte, error) {
	p, err := s.path(workerID, kind)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return content, nil
}

func (s *FSStore) PutMetadata(workerID string, md Metadata) error {
	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("marshal artifact metadata: %w", err)
	}
	return s.Put(workerID, KindMetadata, data)
}

func (s *FSStore) GetMetadata(workerID, ownerID string) (*Metadata, error) {
	data, err := s.Get(workerID, KindMetadata)
	if err != nil {
		return nil, err
	}
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("unmarshal artifact metadata: %w", err)
	}
	if ownerID != "" && md.OwnerID != "" && md.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	return &md, nil
}
