package queue

import (
	"context"
	"strings"
	"time"
)

// RemoteRecord is an indexed on-chain record as reported by the indexer.
type RemoteRecord struct {
	ID              string    `json:"id"`
	Kind            Kind      `json:"kind"`
	GardenAddress   string    `json:"garden_address"`
	ActionUID       string    `json:"action_uid"`
	WorkUID         string    `json:"work_uid,omitempty"`
	GardenerAddress string    `json:"gardener_address,omitempty"`
	Approved        *bool     `json:"approved,omitempty"`
	PlantSelection  []string  `json:"plant_selection,omitempty"`
	PlantCount      int       `json:"plant_count,omitempty"`
	Feedback        string    `json:"feedback,omitempty"`
	TxHash          string    `json:"tx_hash,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// SubmittedBy reports whether the record belongs to gardener. Records that do
// not carry a gardener match anyone.
func (r RemoteRecord) SubmittedBy(gardener string) bool {
	if r.GardenerAddress == "" {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(r.GardenerAddress), strings.TrimSpace(gardener))
}

// RemoteFilter narrows a remote fetch.
type RemoteFilter struct {
	Scope         Scope
	GardenAddress string
	ActionUID     string
	WorkUID       string
	// Gardener limits work records to one submitter.
	Gardener      string
	Since         time.Time
}

// RemoteFetcher reads indexed remote state. It is consumed by deduplication
// and conflict resolution and never written to.
type RemoteFetcher interface {
	FetchRemote(ctx context.Context, kind Kind, filter RemoteFilter) ([]RemoteRecord, error)
}

// ConflictType classifies divergence between a local job and remote state.
type ConflictType string

const (
	ConflictNone           ConflictType = "none"
	ConflictStaleLocal     ConflictType = "stale_local"
	ConflictConcurrentEdit ConflictType = "concurrent_edit"

	// Duplicate-check classifications.
	ConflictDuplicate ConflictType = "duplicate"
	ConflictSimilar   ConflictType = "similar"
)

// Resolution says what happens to the local job. Remote state is never touched.
type Resolution string

const (
	ResolutionNone         Resolution = ""
	ResolutionKeepLocal    Resolution = "keep_local"
	ResolutionDiscardLocal Resolution = "discard_local"
	ResolutionUserDecision Resolution = "user_decision"
)

// WorkConflict is the resolver's verdict for one local job.
type WorkConflict struct {
	JobID      string       `json:"job_id"`
	RemoteID   string       `json:"remote_id,omitempty"`
	Type       ConflictType `json:"type"`
	Resolution Resolution   `json:"resolution,omitempty"`
	Note       string       `json:"note,omitempty"`
}

// Conflicted reports whether any divergence was found.
func (c WorkConflict) Conflicted() bool {
	return c.Type != "" && c.Type != ConflictNone
}

// DuplicateCheckResult warns the caller about a probable duplicate before enqueue.
type DuplicateCheckResult struct {
	IsDuplicate    bool         `json:"is_duplicate"`
	ConflictType   ConflictType `json:"conflict_type,omitempty"`
	Similarity     float64      `json:"similarity"`
	ExistingWorkID string       `json:"existing_work_id,omitempty"`
	Source         string       `json:"source,omitempty"`
}
