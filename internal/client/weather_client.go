package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/voltscope/api/internal/config"
	"github.com/voltscope/api/internal/model"
)

// WeatherClient fetches historical conditions from an Open-Meteo style
// archive API. Enrichment is best-effort: callers must treat any failure
// here as a missing annotation, never a job failure.
type WeatherClient struct {
	httpClient *http.Client
	baseURL    string
}

type archiveResponse struct {
	Hourly struct {
		Time             []string  `json:"time"`
		Temperature2m    []float64 `json:"temperature_2m"`
		CloudCover       []float64 `json:"cloud_cover"`
		SunshineDuration []float64 `json:"sunshine_duration"`
		WeatherCode      []int     `json:"weather_code"`
	} `json:"hourly"`
}

// NewWeatherClient creates a new weather archive client
func NewWeatherClient(cfg *config.WeatherConfig) *WeatherClient {
	return &WeatherClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		baseURL: cfg.BaseURL,
	}
}

// GetConditions returns the conditions at the given coordinates for the
// hour nearest to ts.
func (c *WeatherClient) GetConditions(ctx context.Context, lat, lon float64, ts time.Time) (*model.WeatherConditions, error) {
	day := ts.UTC().Format("2006-01-02")

	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%.4f", lat))
	q.Set("longitude", fmt.Sprintf("%.4f", lon))
	q.Set("start_date", day)
	q.Set("end_date", day)
	q.Set("hourly", "temperature_2m,cloud_cover,sunshine_duration,weather_code")
	q.Set("timezone", "UTC")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/archive?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	var archive archiveResponse
	if err := json.Unmarshal(respBody, &archive); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(archive.Hourly.Time) == 0 {
		return nil, fmt.Errorf("no hourly data for %s", day)
	}

	idx := nearestHour(archive.Hourly.Time, ts)
	cond := &model.WeatherConditions{}
	if idx < len(archive.Hourly.Temperature2m) {
		cond.TemperatureC = archive.Hourly.Temperature2m[idx]
	}
	if idx < len(archive.Hourly.CloudCover) {
		cond.CloudCoverPct = archive.Hourly.CloudCover[idx]
	}
	if idx < len(archive.Hourly.SunshineDuration) {
		cond.SunshineDurationS = archive.Hourly.SunshineDuration[idx]
	}
	if idx < len(archive.Hourly.WeatherCode) {
		cond.WeatherCode = archive.Hourly.WeatherCode[idx]
	}
	return cond, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *WeatherClient) IsConfigured() bool {
	return c.baseURL != ""
}

func nearestHour(times []string, ts time.Time) int {
	best := 0
	bestDiff := math.MaxFloat64
	for i, raw := range times {
		t, err := time.Parse("2006-01-02T15:04", raw)
		if err != nil {
			continue
		}
		diff := math.Abs(t.Sub(ts.UTC()).Hours())
		if diff < bestDiff {
			bestDiff = diff
			best = i
		}
	}
	return best
}
