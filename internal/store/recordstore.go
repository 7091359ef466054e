package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/voltscope/api/internal/model"
)

// ErrRecordNotFound means no analysis record exists for the given id.
var ErrRecordNotFound = errors.New("analysis record not found")

func recordKey(id string) string { return "record:" + id }

// recordPairKey indexes the (fileName, analysisKey) pair that makes a
// record unique; recordIdentityKey indexes the analysis key alone, which
// is what duplicate classification matches on (recaptures arrive under
// different file names).
func recordPairKey(fileName, analysisKey string) string {
	return "record:pair:" + fileName + "|" + analysisKey
}

func recordIdentityKey(analysisKey string) string {
	return "record:bykey:" + analysisKey
}

// saveRecordScript inserts a record only when its identity pair is still
// unclaimed. Reservation, document, dedup index and membership land in one
// atomic step, so a failed write can never leave the pair key pointing at a
// document that was never stored. The dedup index always takes the newest
// insert for a key: upgrades arrive under a different file name, and
// classification must see the freshest copy.
//
// KEYS: pairKey, recordKey, identityIndexKey, membershipSet
// ARGV: recordID, document
// Returns {1, id} on insert, {0, existingID} when the pair is taken.
var saveRecordScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
  return {0, existing}
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2])
redis.call('SET', KEYS[3], ARGV[1])
redis.call('SADD', KEYS[4], ARGV[1])
return {1, ARGV[1]}
`)

// RecordStore persists analysis records with idempotent writes: at most
// one record per (fileName, analysisKey) pair.
type RecordStore struct {
	redis *redis.Client
}

func NewRecordStore(redisClient *redis.Client) *RecordStore {
	return &RecordStore{redis: redisClient}
}

// SaveIdempotent inserts the record unless one with the same identity pair
// already exists, in which case the existing id is returned and nothing is
// written. The returned bool reports whether an insert happened. The
// returned id always resolves to a stored document.
func (s *RecordStore) SaveIdempotent(ctx context.Context, rec *model.AnalysisRecord) (string, bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", false, fmt.Errorf("failed to marshal record: %w", err)
	}

	res, err := saveRecordScript.Run(ctx, s.redis,
		[]string{
			recordPairKey(rec.FileName, rec.AnalysisKey),
			recordKey(rec.ID),
			recordIdentityKey(rec.AnalysisKey),
			"records",
		},
		rec.ID, string(data),
	).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to save record: %w", err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return "", false, fmt.Errorf("unexpected save reply: %v", res)
	}
	created, _ := reply[0].(int64)
	id, _ := reply[1].(string)
	if id == "" {
		return "", false, fmt.Errorf("unexpected save reply: %v", res)
	}
	return id, created == 1, nil
}

// Get fetches a record by id.
func (s *RecordStore) Get(ctx context.Context, id string) (*model.AnalysisRecord, error) {
	data, err := s.redis.Get(ctx, recordKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec model.AnalysisRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record %s: %w", id, err)
	}
	return &rec, nil
}

// FindByIdentityKeys resolves a batch of identity keys to their stored
// records in two round trips (MGET ids, then MGET documents). Keys with no
// record are absent from the result.
func (s *RecordStore) FindByIdentityKeys(ctx context.Context, keys []string) (map[string]*model.AnalysisRecord, error) {
	if len(keys) == 0 {
		return map[string]*model.AnalysisRecord{}, nil
	}

	idxKeys := make([]string, len(keys))
	for i, k := range keys {
		idxKeys[i] = recordIdentityKey(k)
	}
	ids, err := s.redis.MGet(ctx, idxKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("batch identity lookup failed: %w", err)
	}

	result := make(map[string]*model.AnalysisRecord)
	var docKeys []string
	var docOwners []string
	for i, raw := range ids {
		id, ok := raw.(string)
		if !ok || id == "" {
			continue
		}
		docKeys = append(docKeys, recordKey(id))
		docOwners = append(docOwners, keys[i])
	}
	if len(docKeys) == 0 {
		return result, nil
	}

	docs, err := s.redis.MGet(ctx, docKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("batch record fetch failed: %w", err)
	}
	for i, raw := range docs {
		doc, ok := raw.(string)
		if !ok {
			continue
		}
		var rec model.AnalysisRecord
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			continue
		}
		result[docOwners[i]] = &rec
	}
	return result, nil
}

// FindByIdentityKey resolves a single identity key, the per-file fallback
// when the batch lookup fails. Returns (nil, nil) when no record matches.
func (s *RecordStore) FindByIdentityKey(ctx context.Context, key string) (*model.AnalysisRecord, error) {
	id, err := s.redis.Get(ctx, recordIdentityKey(key)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec, err := s.Get(ctx, id)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, nil
	}
	return rec, err
}
