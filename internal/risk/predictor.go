package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Features is the payload sent to the external risk model. Field names match
// the model's training schema; unknown demographics carry fixed defaults.
type Features struct {
	Age         int     `json:"age"`
	Year        int     `json:"year"`
	GPA         float64 `json:"gpa"`
	HostelBlock string  `json:"hostel_block"`

	PastViolations30d  int `json:"past_violations_30d"`
	PastViolations365d int `json:"past_violations_365d"`

	RequestTimeHour          int     `json:"request_time_hour"`
	RequestedDurationHours   float64 `json:"requested_duration_hours"`
	ActualReturnDelayMinutes int     `json:"actual_return_delay_minutes"`
	DestinationRisk          string  `json:"destination_risk"`

	ParentContactReliable     int `json:"parent_contact_reliable"`
	ParentResponseTimeMinutes int `json:"parent_response_time_minutes"`
	ParentAction              int `json:"parent_action"`

	EmergencyFlag    int `json:"emergency_flag"`
	GroupRequest     int `json:"group_request"`
	WeekendRequest   int `json:"weekend_request"`
	PreviousNoShow   int `json:"previous_no_show"`
	RequestsLast7Day int `json:"requests_last_7days"`
}

// Prediction is the model's scoring response.
type Prediction struct {
	RiskScore       float64 `json:"risk_score"`
	RiskCategory    string  `json:"risk_category"`
	RiskProbability float64 `json:"risk_probability"`
	ModelVersion    string  `json:"model_version"`
	ModelType       string  `json:"model_type"`
}

// Predictor calls the external risk-scoring microservice. It is best-effort:
// callers fall back to rule-based scoring on any failure.
type Predictor struct {
	BaseURL string
	HTTP    *http.Client
	Enabled bool
}

// NewPredictor creates a client with a bounded timeout.
func NewPredictor(baseURL string, enabled bool, timeout time.Duration) *Predictor {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Predictor{
		BaseURL: baseURL,
		Enabled: enabled,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Predict requests a score for the feature record.
func (p *Predictor) Predict(ctx context.Context, features Features) (*Prediction, error) {
	body, _ := json.Marshal(features)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("risk service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("risk service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out Prediction
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if out.RiskScore < 0 || out.RiskScore > 100 {
		return nil, fmt.Errorf("risk service returned out-of-range score %v", out.RiskScore)
	}
	return &out, nil
}

// Health checks if the risk service is available.
func (p *Predictor) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := p.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("risk service unavailable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("risk service unhealthy: %s", resp.Status)
	}
	return nil
}
