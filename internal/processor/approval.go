package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/gardenq/internal/media"
	"github.com/kalambet/gardenq/internal/queue"
)

// ApprovalSchema identifies the work approval attestation layout.
const ApprovalSchema = "gardenq.approval.v1"

type approvalAttestation struct {
	WorkUID         string `json:"work_uid"`
	ActionUID       string `json:"action_uid"`
	GardenAddress   string `json:"garden_address"`
	GardenerAddress string `json:"gardener_address"`
	Operator        string `json:"operator"`
	Approved        bool   `json:"approved"`
	Feedback        string `json:"feedback,omitempty"`
}

// Approval encodes an operator's decision on submitted work.
type Approval struct{}

func (Approval) Kind() queue.Kind { return queue.KindApproval }

func (Approval) Encode(_ context.Context, job queue.Job, _ []media.SerializedFile, chainID int64) (Encoded, error) {
	p, ok := job.Payload.(queue.ApprovalPayload)
	if !ok {
		return Encoded{}, queue.Permanent(fmt.Errorf("job %s: payload is %T, want approval", job.ID, job.Payload))
	}
	if err := p.Validate(); err != nil {
		return Encoded{}, queue.Permanent(fmt.Errorf("job %s: %w", job.ID, err))
	}
	if strings.EqualFold(p.GardenerAddress, job.Scope.UserAddress) {
		return Encoded{}, queue.Permanent(errors.New("operators cannot approve their own work"))
	}

	data, err := json.Marshal(approvalAttestation{
		WorkUID:         p.WorkUID,
		ActionUID:       p.ActionUID,
		GardenAddress:   p.GardenAddress,
		GardenerAddress: p.GardenerAddress,
		Operator:        job.Scope.UserAddress,
		Approved:        p.Approved,
		Feedback:        p.Feedback,
	})
	if err != nil {
		return Encoded{}, queue.Permanent(fmt.Errorf("encoding approval attestation: %w", err))
	}
	return Encoded{
		JobID:   job.ID,
		Kind:    queue.KindApproval,
		ChainID: chainID,
		Schema:  ApprovalSchema,
		Data:    data,
	}, nil
}

func (Approval) Execute(ctx context.Context, enc Encoded, meta map[string]string, sub Submitter) (string, error) {
	return submit(ctx, enc, meta, sub)
}
