// Package processor turns queued jobs into signed-transaction requests. Each
// job kind has exactly one processor; signing itself is delegated to a
// Submitter.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kalambet/gardenq/internal/media"
	"github.com/kalambet/gardenq/internal/queue"
)

// MediaRef points at an attachment referenced by an attestation.
type MediaRef struct {
	Name     string `json:"name"`
	MIMEType string `json:"mime_type"`
	Size     int64  `json:"size"`
	Ref      string `json:"ref"`
}

// Encoded is the submission-ready form of a job.
type Encoded struct {
	JobID   string          `json:"job_id"`
	Kind    queue.Kind      `json:"kind"`
	ChainID int64           `json:"chain_id"`
	Schema  string          `json:"schema"`
	Data    json.RawMessage `json:"data"`
	Media   []MediaRef      `json:"media,omitempty"`
}

// Submitter signs and broadcasts an encoded job, returning the transaction
// hash. Errors wrapped with queue.Permanent are never retried.
type Submitter interface {
	Submit(ctx context.Context, enc Encoded, meta map[string]string) (string, error)
}

// ContentStore uploads attachments and returns a content reference.
type ContentStore interface {
	Upload(ctx context.Context, blob *media.Blob) (string, error)
}

// Processor encodes and executes jobs of one kind.
type Processor interface {
	Kind() queue.Kind
	Encode(ctx context.Context, job queue.Job, files []media.SerializedFile, chainID int64) (Encoded, error)
	Execute(ctx context.Context, enc Encoded, meta map[string]string, sub Submitter) (string, error)
}

// Registry maps every job kind to its processor.
type Registry struct {
	byKind map[queue.Kind]Processor
}

// NewRegistry builds a registry and fails if any known kind is missing or
// registered twice.
func NewRegistry(procs ...Processor) (*Registry, error) {
	r := &Registry{byKind: make(map[queue.Kind]Processor, len(procs))}
	for _, p := range procs {
		if _, dup := r.byKind[p.Kind()]; dup {
			return nil, fmt.Errorf("duplicate processor for kind %q", p.Kind())
		}
		r.byKind[p.Kind()] = p
	}
	var missing []error
	for _, k := range queue.Kinds() {
		if _, ok := r.byKind[k]; !ok {
			missing = append(missing, fmt.Errorf("no processor for kind %q", k))
		}
	}
	if err := errors.Join(missing...); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the processor for kind.
func (r *Registry) Get(kind queue.Kind) (Processor, error) {
	p, ok := r.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", queue.ErrUnknownKind, kind)
	}
	return p, nil
}

func submit(ctx context.Context, enc Encoded, meta map[string]string, sub Submitter) (string, error) {
	if sub == nil {
		return "", errors.New("no submitter configured")
	}
	hash, err := sub.Submit(ctx, enc, meta)
	if err != nil {
		return "", err
	}
	if hash == "" {
		return "", errors.New("submitter returned an empty transaction hash")
	}
	return hash, nil
}
