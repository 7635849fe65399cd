package risk

import (
	"time"

	"github.com/crowdcam/crowdcam/pkg/nn"
)

// RiskResult is the outcome of analyzing one frame. It is immutable once
// produced; consumers (HTTP pollers, websockets, the database, alerting)
// all share the same value.
type RiskResult struct {
	StreamID        string         `json:"streamId,omitempty"`
	Level           Level          `json:"riskLevel"`
	RiskScore       float32        `json:"riskScore"`
	CalibratedScore float32        `json:"calibratedScore"`
	PeopleCount     int            `json:"peopleCount"`
	Density         float32        `json:"density"`
	MotionScore     float32        `json:"motionScore"`
	Fallback        bool           `json:"fallback"`
	Boxes           []nn.Detection `json:"boxes,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// AlertEvent is emitted for every result at HIGH_RISK or above.
type AlertEvent struct {
	StreamID    string    `json:"streamId"`
	Severity    Level     `json:"severity"`
	Message     string    `json:"message"`
	RiskScore   float32   `json:"riskScore"`
	PeopleCount int       `json:"peopleCount"`
	Timestamp   time.Time `json:"timestamp"`
}
