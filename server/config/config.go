// Package config is the JSON config file of the service. Every tunable of
// the pipeline is exposed here; the zero config (an empty file) runs with
// sane defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/crowdcam/crowdcam/pkg/nn"
	"github.com/crowdcam/crowdcam/server/risk"
)

type HTTPConfig struct {
	Port string `json:"port"` // eg ":8080"
	// Max request body in MB for image uploads
	MaxBodyMB int `json:"maxBodyMB"`
	// Requests per second allowed per IP on the analysis endpoints (0 disables)
	RateLimit int `json:"rateLimit"`
}

type EngineConfig struct {
	QueueDepth       int     `json:"queueDepth"`
	NumEngines       int     `json:"numEngines"`
	PersistThreshold float32 `json:"persistThreshold"`
	CalibrationAlpha float32 `json:"calibrationAlpha"`
	CalibrationBeta  float32 `json:"calibrationBeta"`
	IncludeBoxes     bool    `json:"includeBoxes"`
	// Deadline of the synchronous analysis path, in milliseconds
	SyncTimeoutMS int `json:"syncTimeoutMS"`
}

type FuseConfig struct {
	ConfidenceThreshold float32 `json:"confidenceThreshold"`
	NmsIouThreshold     float32 `json:"nmsIouThreshold"`
	MinWidth            int     `json:"minWidth"`
	MinHeight           int     `json:"minHeight"`
	MaxWidth            int     `json:"maxWidth"`
	MaxHeight           int     `json:"maxHeight"`
	BorderMargin        int     `json:"borderMargin"`
	MinAspectRatio      float32 `json:"minAspectRatio"`
}

type RetentionConfig struct {
	MaxAgeDays       int `json:"maxAgeDays"`
	SampleMaxAgeDays int `json:"sampleMaxAgeDays"`
	MaxSamples       int `json:"maxSamples"`
}

type Config struct {
	HTTP HTTPConfig `json:"http"`
	// Directory holding the database and active-learning samples
	DataRoot string `json:"dataRoot"`
	// Binary face cascade file. Empty runs without a detector (fallback mode).
	FaceCascade string `json:"faceCascade"`
	// JSON crowd classifier artifacts. Multiple artifacts form an ensemble.
	Classifiers []string `json:"classifiers"`
	// Webhook URL for alert delivery (empty disables)
	AlertWebhook string `json:"alertWebhook"`

	Engine    EngineConfig    `json:"engine"`
	Fuse      FuseConfig      `json:"fuse"`
	Risk      risk.Thresholds `json:"risk"`
	Retention RetentionConfig `json:"retention"`
}

func Default() *Config {
	fp := nn.NewFuseParams()
	return &Config{
		HTTP: HTTPConfig{
			Port:      ":8080",
			MaxBodyMB: 20,
			RateLimit: 20,
		},
		DataRoot: "crowdcam-data",
		Engine: EngineConfig{
			QueueDepth:       10,
			NumEngines:       1,
			PersistThreshold: 0.75,
			CalibrationAlpha: 0.1,
			CalibrationBeta:  0.1,
			IncludeBoxes:     true,
			SyncTimeoutMS:    5000,
		},
		Fuse: FuseConfig{
			ConfidenceThreshold: fp.ConfidenceThreshold,
			NmsIouThreshold:     fp.NmsIouThreshold,
			MinWidth:            fp.MinWidth,
			MinHeight:           fp.MinHeight,
			MaxWidth:            fp.MaxWidth,
			MaxHeight:           fp.MaxHeight,
			BorderMargin:        fp.BorderMargin,
			MinAspectRatio:      fp.MinAspectRatio,
		},
		Risk: risk.DefaultThresholds(),
		Retention: RetentionConfig{
			MaxAgeDays:       30,
			SampleMaxAgeDays: 14,
			MaxSamples:       10000,
		},
	}
}

// Load reads a JSON config file. Values absent from the file keep their
// defaults. An empty filename returns the defaults.
func Load(filename string) (*Config, error) {
	cfg := Default()
	if filename == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %v: %w", filename, err)
	}
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file %v: %w", filename, err)
	}
	return cfg, nil
}

// FuseParams converts the config block to pipeline parameters
func (c *Config) FuseParams() *nn.FuseParams {
	return &nn.FuseParams{
		ConfidenceThreshold: c.Fuse.ConfidenceThreshold,
		NmsIouThreshold:     c.Fuse.NmsIouThreshold,
		MinWidth:            c.Fuse.MinWidth,
		MinHeight:           c.Fuse.MinHeight,
		MaxWidth:            c.Fuse.MaxWidth,
		MaxHeight:           c.Fuse.MaxHeight,
		BorderMargin:        c.Fuse.BorderMargin,
		MinAspectRatio:      c.Fuse.MinAspectRatio,
	}
}

func (c *Config) SyncTimeout() time.Duration {
	if c.Engine.SyncTimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Engine.SyncTimeoutMS) * time.Millisecond
}
