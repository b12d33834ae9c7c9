package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/kalambet/gardenq/internal/queue"
)

// DefaultBucket is the timestamp rounding used in fingerprints.
const DefaultBucket = time.Hour

// normalize folds case and Unicode form so "Basil", "basil " and "ｂａｓｉｌ"
// compare equal.
func normalize(s string) string {
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(s)))
}

// plantSet returns the normalized, de-duplicated, sorted plant selection.
func plantSet(plants []string) []string {
	seen := make(map[string]struct{}, len(plants))
	out := make([]string, 0, len(plants))
	for _, p := range plants {
		n := normalize(p)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Fingerprint hashes the identifying content of a payload together with its
// creation time rounded down to bucket.
func Fingerprint(p queue.Payload, createdAt time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = DefaultBucket
	}
	parts := contentParts(p)
	if parts == nil {
		return ""
	}
	parts = append(parts, strconv.FormatInt(createdAt.UTC().Truncate(bucket).Unix(), 10))
	return hash(parts)
}

// ContentFingerprint hashes the identifying content of a payload, ignoring
// when it was created. Two submissions of the same observation match even if
// they were signed hours apart.
func ContentFingerprint(p queue.Payload) string {
	parts := contentParts(p)
	if parts == nil {
		return ""
	}
	return hash(parts)
}

func contentParts(p queue.Payload) []string {
	switch v := p.(type) {
	case queue.WorkPayload:
		return []string{"work", normalize(v.GardenAddress), normalize(v.ActionUID),
			strings.Join(plantSet(v.PlantSelection), ","), strconv.Itoa(v.PlantCount)}
	case queue.ApprovalPayload:
		return []string{"approval", normalize(v.GardenAddress), normalize(v.ActionUID),
			normalize(v.WorkUID), normalize(v.GardenerAddress), strconv.FormatBool(v.Approved)}
	}
	return nil
}

func hash(parts []string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// RemotePayload rebuilds the payload an indexed record was created from.
func RemotePayload(r queue.RemoteRecord) queue.Payload {
	if r.Kind == queue.KindApproval {
		approved := r.Approved != nil && *r.Approved
		return queue.ApprovalPayload{
			ActionUID:       r.ActionUID,
			WorkUID:         r.WorkUID,
			GardenAddress:   r.GardenAddress,
			GardenerAddress: r.GardenerAddress,
			Approved:        approved,
			Feedback:        r.Feedback,
		}
	}
	return queue.WorkPayload{
		Feedback:       r.Feedback,
		PlantSelection: r.PlantSelection,
		PlantCount:     r.PlantCount,
		ActionUID:      r.ActionUID,
		GardenAddress:  r.GardenAddress,
	}
}

// Similarity scores two payloads in [0, 1]. Payloads for different gardens,
// actions or kinds score 0. Work is weighted 0.6 plant overlap, 0.2 count
// agreement and 0.2 time proximity within window. Approvals of the same work
// score 1.
func Similarity(a queue.Payload, aAt time.Time, b queue.Payload, bAt time.Time, window time.Duration) float64 {
	if a == nil || b == nil || a.Kind() != b.Kind() {
		return 0
	}
	if Fingerprint(a, aAt, DefaultBucket) == Fingerprint(b, bAt, DefaultBucket) {
		return 1
	}
	switch x := a.(type) {
	case queue.WorkPayload:
		y := b.(queue.WorkPayload)
		if normalize(x.GardenAddress) != normalize(y.GardenAddress) || normalize(x.ActionUID) != normalize(y.ActionUID) {
			return 0
		}
		return 0.6*jaccard(plantSet(x.PlantSelection), plantSet(y.PlantSelection)) +
			0.2*countMatch(x.PlantCount, y.PlantCount) +
			0.2*proximity(aAt, bAt, window)
	case queue.ApprovalPayload:
		y := b.(queue.ApprovalPayload)
		if normalize(x.WorkUID) == normalize(y.WorkUID) && x.WorkUID != "" {
			return 1
		}
	}
	return 0
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	inter := 0
	for _, v := range b {
		if _, ok := set[v]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func countMatch(a, b int) float64 {
	if a == b {
		return 1
	}
	if a <= 0 || b <= 0 {
		return 0
	}
	if a > b {
		a, b = b, a
	}
	return float64(a) / float64(b)
}

func proximity(a, b time.Time, window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	if d >= window {
		return 0
	}
	return 1 - float64(d)/float64(window)
}
