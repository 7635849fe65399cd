package riskdb

import (
	"github.com/cyclopcam/dbh"
)

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// Analysis is one frame's risk result.
type Analysis struct {
	BaseModel
	Time            dbh.IntTime `json:"time"`
	StreamID        string      `json:"streamId"`
	Level           string      `json:"level"`
	RiskScore       float32     `json:"riskScore"`
	CalibratedScore float32     `json:"calibratedScore"`
	PeopleCount     int         `json:"peopleCount"`
	Density         float32     `json:"density"`
	MotionScore     float32     `json:"motionScore"`
	Fallback        bool        `json:"fallback"`
	Boxes           []byte      `json:"boxes,omitempty"` // JSON-encoded []nn.Detection
}

func (Analysis) TableName() string {
	return "analysis"
}

// Alert is a persisted alert event (HIGH_RISK or above).
type Alert struct {
	BaseModel
	Time        dbh.IntTime `json:"time"`
	StreamID    string      `json:"streamId"`
	Severity    string      `json:"severity"`
	Message     string      `json:"message"`
	RiskScore   float32     `json:"riskScore"`
	PeopleCount int         `json:"peopleCount"`
}

func (Alert) TableName() string {
	return "alert"
}

// Sample is one active-learning sample: a frame whose calibrated score was
// high enough that a human should look at it. The image lives on disk next
// to the database; the row carries the metadata.
type Sample struct {
	BaseModel
	Time            dbh.IntTime `json:"time"`
	StreamID        string      `json:"streamId"`
	CalibratedScore float32     `json:"calibratedScore"`
	Filename        string      `json:"filename"` // Relative to the samples directory
	Metadata        []byte      `json:"metadata,omitempty"`
}

func (Sample) TableName() string {
	return "sample"
}
