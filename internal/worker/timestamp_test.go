package worker

import (
	"testing"
	"time"
)

var ingested = time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)

func TestResolveTimestamp_FullSourceTimestamp(t *testing.T) {
	tests := []struct {
		source string
		want   time.Time
	}{
		{"2026-01-15 14:25:30", time.Date(2026, 1, 15, 14, 25, 30, 0, time.UTC)},
		{"2026-01-15T14:25:30", time.Date(2026, 1, 15, 14, 25, 30, 0, time.UTC)},
		{"2026/01/15 14:25", time.Date(2026, 1, 15, 14, 25, 0, 0, time.UTC)},
		{"15.01.2026 14:25", time.Date(2026, 1, 15, 14, 25, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got := ResolveTimestamp(tt.source, "photo.jpg", ingested)
		if !got.Equal(tt.want) {
			t.Errorf("ResolveTimestamp(%q) = %v, want %v", tt.source, got, tt.want)
		}
	}
}

func TestResolveTimestamp_TimeOfDayPlusFileDate(t *testing.T) {
	got := ResolveTimestamp("14:25", "IMG_20260115.jpg", ingested)
	want := time.Date(2026, 1, 15, 14, 25, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestResolveTimestamp_FileNameDateAndTime(t *testing.T) {
	got := ResolveTimestamp("", "IMG_20260115_142530.jpg", ingested)
	want := time.Date(2026, 1, 15, 14, 25, 30, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestResolveTimestamp_ScreenshotName(t *testing.T) {
	got := ResolveTimestamp("", "Screenshot_2026-01-15-14-25-30.png", ingested)
	want := time.Date(2026, 1, 15, 14, 25, 30, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestResolveTimestamp_DateOnlyDefaultsToNoon(t *testing.T) {
	got := ResolveTimestamp("", "export-20260115.jpg", ingested)
	want := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestResolveTimestamp_FallsBackToIngestion(t *testing.T) {
	got := ResolveTimestamp("", "photo.jpg", ingested)
	if !got.Equal(ingested) {
		t.Errorf("got %v, want ingestion time %v", got, ingested)
	}

	got = ResolveTimestamp("not a time", "photo.jpg", ingested)
	if !got.Equal(ingested) {
		t.Errorf("garbled source: got %v, want ingestion time %v", got, ingested)
	}
}
