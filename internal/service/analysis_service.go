package service

import (
	"context"
	"log"
	"time"

	"github.com/voltscope/api/internal/client"
	"github.com/voltscope/api/internal/model"
	"github.com/voltscope/api/internal/store"
)

// RecordView is an analysis record plus a short-lived signed URL for the
// archived source snapshot, when one exists.
type RecordView struct {
	*model.AnalysisRecord
	SnapshotURL string `json:"snapshotUrl,omitempty"`
}

// AnalysisService serves completed analysis records.
type AnalysisService struct {
	records *store.RecordStore
	archive client.StorageClient // nil when archival is disabled
}

func NewAnalysisService(records *store.RecordStore, archive client.StorageClient) *AnalysisService {
	return &AnalysisService{records: records, archive: archive}
}

// GetRecord loads one record and, when the original snapshot was archived,
// attaches a presigned download URL. URL generation is best-effort.
func (s *AnalysisService) GetRecord(ctx context.Context, id string) (*RecordView, error) {
	rec, err := s.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	view := &RecordView{AnalysisRecord: rec}
	if s.archive != nil && rec.SnapshotKey != "" {
		url, err := s.archive.GetSignedURL(ctx, rec.SnapshotKey, 15*time.Minute)
		if err != nil {
			log.Printf("analysis: signing snapshot URL for record %s failed: %v", id, err)
		} else {
			view.SnapshotURL = url
		}
	}
	return view, nil
}
