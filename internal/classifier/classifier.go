// Package classifier partitions newly submitted snapshot files into
// true duplicates, upgrade candidates and genuinely new files before any
// job is created. Classification is pure: it never writes.
package classifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"

	"github.com/voltscope/api/internal/model"
)

// Candidate is one submitted file. IdentityKey is the client-computed key
// over the readings visible on the snapshot; when absent, the content hash
// stands in so the file can still be matched against prior uploads of the
// same bytes.
type Candidate struct {
	FileName    string
	IdentityKey string
	ContentHash string
	Content     []byte
}

// Key returns the candidate's dedup identity.
func (c *Candidate) Key() string {
	if c.IdentityKey != "" {
		return c.IdentityKey
	}
	if c.ContentHash != "" {
		return "sha256:" + c.ContentHash
	}
	sum := sha256.Sum256(c.Content)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// RecordLookup resolves identity keys to stored analysis records. The
// batch form is preferred; the single form is the fallback.
type RecordLookup interface {
	FindByIdentityKeys(ctx context.Context, keys []string) (map[string]*model.AnalysisRecord, error)
	FindByIdentityKey(ctx context.Context, key string) (*model.AnalysisRecord, error)
}

// UpgradePredicate decides whether a stored record is missing fields the
// current pipeline would populate. Which fields count is a policy decision
// that keeps moving, so it is pluggable rather than hard-coded.
type UpgradePredicate func(*model.AnalysisRecord) bool

// DefaultUpgradePredicate flags records predating derived-status,
// timestamp resolution or identity keying.
func DefaultUpgradePredicate(rec *model.AnalysisRecord) bool {
	return rec.AnalysisKey == "" || rec.Analysis.OperatingMode == "" || rec.Timestamp.IsZero()
}

// Result is the three-way partition of a submitted batch. The sets are
// disjoint and their union is the input.
type Result struct {
	New            []Candidate
	NeedsUpgrade   []Candidate
	TrueDuplicates []Candidate

	// ExistingRecords maps a duplicate candidate's key to the record that
	// matched it, when one is known.
	ExistingRecords map[string]*model.AnalysisRecord
}

// Total returns the number of classified candidates.
func (r *Result) Total() int {
	return len(r.New) + len(r.NeedsUpgrade) + len(r.TrueDuplicates)
}

// Classifier categorizes submissions against the stored record corpus.
type Classifier struct {
	lookup       RecordLookup
	needsUpgrade UpgradePredicate
}

// New creates a classifier. A nil predicate uses the default upgrade rule.
func New(lookup RecordLookup, needsUpgrade UpgradePredicate) *Classifier {
	if needsUpgrade == nil {
		needsUpgrade = DefaultUpgradePredicate
	}
	return &Classifier{lookup: lookup, needsUpgrade: needsUpgrade}
}

// Classify partitions the batch. Lookup failures degrade, never drop: a
// failed batch lookup falls back to per-key lookups, and a key that cannot
// be resolved at all is classified new. A false negative costs one
// redundant analysis; a dropped file costs the user their upload.
func (c *Classifier) Classify(ctx context.Context, batch []Candidate) Result {
	result := Result{ExistingRecords: make(map[string]*model.AnalysisRecord)}
	if len(batch) == 0 {
		return result
	}

	keys := make([]string, 0, len(batch))
	keyIndex := make(map[string]bool, len(batch))
	for i := range batch {
		k := batch[i].Key()
		if !keyIndex[k] {
			keyIndex[k] = true
			keys = append(keys, k)
		}
	}

	records := c.resolve(ctx, keys)

	seen := make(map[string]bool, len(batch))
	for _, cand := range batch {
		k := cand.Key()
		if seen[k] {
			// A repeat within the same batch duplicates whichever copy
			// came first, regardless of what the store says.
			result.TrueDuplicates = append(result.TrueDuplicates, cand)
			continue
		}
		seen[k] = true

		rec := records[k]
		switch {
		case rec == nil:
			result.New = append(result.New, cand)
		case c.needsUpgrade(rec):
			result.ExistingRecords[k] = rec
			result.NeedsUpgrade = append(result.NeedsUpgrade, cand)
		default:
			result.ExistingRecords[k] = rec
			result.TrueDuplicates = append(result.TrueDuplicates, cand)
		}
	}

	return result
}

// resolve tries the batch lookup first, then per-key lookups, and finally
// gives up on a key (treating it as unmatched) rather than failing the
// whole classification.
func (c *Classifier) resolve(ctx context.Context, keys []string) map[string]*model.AnalysisRecord {
	records, err := c.lookup.FindByIdentityKeys(ctx, keys)
	if err == nil {
		return records
	}
	log.Printf("classifier: batch lookup failed, falling back to per-key lookups: %v", err)

	records = make(map[string]*model.AnalysisRecord, len(keys))
	for _, k := range keys {
		rec, err := c.lookup.FindByIdentityKey(ctx, k)
		if err != nil {
			log.Printf("classifier: lookup failed for key, classifying as new: %v", err)
			continue
		}
		if rec != nil {
			records[k] = rec
		}
	}
	return records
}
