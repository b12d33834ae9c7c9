package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind selects the payload shape and the processor for a job.
type Kind string

const (
	KindWork     Kind = "work"
	KindApproval Kind = "approval"
)

// Kinds lists every job kind the queue knows about. A processor registry must
// cover all of them.
func Kinds() []Kind {
	return []Kind{KindWork, KindApproval}
}

// ParseKind returns ErrUnknownKind for anything outside Kinds.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Payload is the kind-specific data of a job. The set of implementations is
// closed: WorkPayload and ApprovalPayload.
type Payload interface {
	Kind() Kind
	Validate() error
	isPayload()
}

// WorkPayload records gardening work done on a garden for an action.
type WorkPayload struct {
	Feedback       string   `json:"feedback"`
	PlantSelection []string `json:"plant_selection"`
	PlantCount     int      `json:"plant_count"`
	ActionUID      string   `json:"action_uid"`
	GardenAddress  string   `json:"garden_address"`
}

func (WorkPayload) Kind() Kind { return KindWork }
func (WorkPayload) isPayload() {}

func (p WorkPayload) Validate() error {
	var errs []error
	if strings.TrimSpace(p.GardenAddress) == "" {
		errs = append(errs, errors.New("garden address is required"))
	}
	if strings.TrimSpace(p.ActionUID) == "" {
		errs = append(errs, errors.New("action uid is required"))
	}
	if p.PlantCount < 0 {
		errs = append(errs, errors.New("plant count must not be negative"))
	}
	return errors.Join(errs...)
}

// ApprovalPayload approves or rejects a previously recorded piece of work.
type ApprovalPayload struct {
	ActionUID       string `json:"action_uid"`
	WorkUID         string `json:"work_uid"`
	GardenAddress   string `json:"garden_address"`
	GardenerAddress string `json:"gardener_address"`
	Approved        bool   `json:"approved"`
	Feedback        string `json:"feedback,omitempty"`
}

func (ApprovalPayload) Kind() Kind { return KindApproval }
func (ApprovalPayload) isPayload() {}

func (p ApprovalPayload) Validate() error {
	var errs []error
	if strings.TrimSpace(p.WorkUID) == "" {
		errs = append(errs, errors.New("work uid is required"))
	}
	if strings.TrimSpace(p.GardenAddress) == "" {
		errs = append(errs, errors.New("garden address is required"))
	}
	if strings.TrimSpace(p.GardenerAddress) == "" {
		errs = append(errs, errors.New("gardener address is required"))
	}
	if strings.TrimSpace(p.ActionUID) == "" {
		errs = append(errs, errors.New("action uid is required"))
	}
	return errors.Join(errs...)
}

// EncodePayload serializes a payload for storage.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, errors.New("payload is required")
	}
	return json.Marshal(p)
}

// DecodePayload restores the concrete payload for kind.
func DecodePayload(kind Kind, raw []byte) (Payload, error) {
	switch kind {
	case KindWork:
		var p WorkPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decoding work payload: %w", err)
		}
		return p, nil
	case KindApproval:
		var p ApprovalPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decoding approval payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
