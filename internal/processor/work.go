package processor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kalambet/gardenq/internal/media"
	"github.com/kalambet/gardenq/internal/queue"
)

// WorkSchema identifies the work attestation layout.
const WorkSchema = "gardenq.work.v1"

type workAttestation struct {
	GardenAddress  string    `json:"garden_address"`
	ActionUID      string    `json:"action_uid"`
	Gardener       string    `json:"gardener"`
	PlantSelection []string  `json:"plant_selection"`
	PlantCount     int       `json:"plant_count"`
	Feedback       string    `json:"feedback,omitempty"`
	Media          []string  `json:"media,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// Work encodes gardening work. Attachments are uploaded through Content when
// set, otherwise referenced by their sha256 digest.
type Work struct {
	Content ContentStore
}

func (Work) Kind() queue.Kind { return queue.KindWork }

func (w Work) Encode(ctx context.Context, job queue.Job, files []media.SerializedFile, chainID int64) (Encoded, error) {
	p, ok := job.Payload.(queue.WorkPayload)
	if !ok {
		return Encoded{}, queue.Permanent(fmt.Errorf("job %s: payload is %T, want work", job.ID, job.Payload))
	}
	if err := p.Validate(); err != nil {
		return Encoded{}, queue.Permanent(fmt.Errorf("job %s: %w", job.ID, err))
	}

	refs := make([]MediaRef, 0, len(files))
	for i, f := range files {
		ref, err := w.reference(ctx, f)
		if err != nil {
			return Encoded{}, fmt.Errorf("uploading attachment %d of job %s: %w", i, job.ID, err)
		}
		refs = append(refs, MediaRef{Name: f.Name, MIMEType: f.MIMEType, Size: f.Size(), Ref: ref})
	}

	att := workAttestation{
		GardenAddress:  p.GardenAddress,
		ActionUID:      p.ActionUID,
		Gardener:       job.Scope.UserAddress,
		PlantSelection: p.PlantSelection,
		PlantCount:     p.PlantCount,
		Feedback:       p.Feedback,
		RecordedAt:     job.CreatedAt.UTC(),
	}
	for _, r := range refs {
		att.Media = append(att.Media, r.Ref)
	}
	data, err := json.Marshal(att)
	if err != nil {
		return Encoded{}, queue.Permanent(fmt.Errorf("encoding work attestation: %w", err))
	}
	return Encoded{
		JobID:   job.ID,
		Kind:    queue.KindWork,
		ChainID: chainID,
		Schema:  WorkSchema,
		Data:    data,
		Media:   refs,
	}, nil
}

func (w Work) reference(ctx context.Context, f media.SerializedFile) (string, error) {
	if w.Content == nil {
		sum := sha256.Sum256(f.Data)
		return "sha256:" + hex.EncodeToString(sum[:]), nil
	}
	return w.Content.Upload(ctx, media.FromStorable(f))
}

func (Work) Execute(ctx context.Context, enc Encoded, meta map[string]string, sub Submitter) (string, error) {
	return submit(ctx, enc, meta, sub)
}
