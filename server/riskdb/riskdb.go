// Package riskdb persists analysis results, alerts and active-learning
// samples in a sqlite database, with the sampled frames stored as JPEGs
// next to the database file.
package riskdb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/crowdcam/crowdcam/server/risk"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RetentionPolicy caps the growth of the database and the sample store.
// Zero values disable the respective cap.
type RetentionPolicy struct {
	MaxAge       time.Duration // Drop analysis and alert rows older than this
	SampleMaxAge time.Duration // Drop samples (row + image) older than this
	MaxSamples   int           // Keep at most this many samples, oldest evicted first
}

func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		MaxAge:       30 * 24 * time.Hour,
		SampleMaxAge: 14 * 24 * time.Hour,
		MaxSamples:   10000,
	}
}

// RiskDB stores analysis results, alerts, and active-learning samples.
type RiskDB struct {
	log       logs.Log
	db        *gorm.DB
	root      string
	sampleDir string
	retention RetentionPolicy

	shutdown        chan bool
	pruneThreadDone chan bool
}

// Open or create a risk DB in root
func Open(log logs.Log, root string, retention RetentionPolicy) (*RiskDB, error) {
	root = filepath.Clean(root)
	sampleDir := filepath.Join(root, "samples")
	if err := os.MkdirAll(sampleDir, 0770); err != nil {
		return nil, fmt.Errorf("failed to create risk DB storage path '%v': %w", root, err)
	}
	dbPath := filepath.Join(root, "risk.sqlite")
	db, err := dbh.OpenDB(log, dbh.MakeSqliteConfig(dbPath), Migrations(log), 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %v: %w", dbPath, err)
	}
	r := &RiskDB{
		log:             log,
		db:              db,
		root:            root,
		sampleDir:       sampleDir,
		retention:       retention,
		shutdown:        make(chan bool),
		pruneThreadDone: make(chan bool),
	}
	go r.pruneThread()
	return r, nil
}

func (r *RiskDB) Close() {
	close(r.shutdown)
	<-r.pruneThreadDone
}

// Record one frame's analysis result
func (r *RiskDB) AddAnalysis(res *risk.RiskResult) error {
	var boxes []byte
	if len(res.Boxes) != 0 {
		boxes, _ = json.Marshal(res.Boxes)
	}
	return r.db.Create(&Analysis{
		Time:            dbh.MakeIntTime(res.Timestamp),
		StreamID:        res.StreamID,
		Level:           res.Level.String(),
		RiskScore:       res.RiskScore,
		CalibratedScore: res.CalibratedScore,
		PeopleCount:     res.PeopleCount,
		Density:         res.Density,
		MotionScore:     res.MotionScore,
		Fallback:        res.Fallback,
		Boxes:           boxes,
	}).Error
}

func (r *RiskDB) AddAlert(ev *risk.AlertEvent) error {
	return r.db.Create(&Alert{
		Time:        dbh.MakeIntTime(ev.Timestamp),
		StreamID:    ev.StreamID,
		Severity:    ev.Severity.String(),
		Message:     ev.Message,
		RiskScore:   ev.RiskScore,
		PeopleCount: ev.PeopleCount,
	}).Error
}

// AddSample stores an active-learning sample: the frame as a JPEG in the
// samples directory, and a metadata row pointing at it.
func (r *RiskDB) AddSample(img *cimg.Image, res *risk.RiskResult) error {
	filename := uuid.NewString() + ".jpg"
	fullPath := filepath.Join(r.sampleDir, filename)
	if err := img.WriteJPEG(fullPath, cimg.MakeCompressParams(cimg.Sampling444, 95, 0), 0660); err != nil {
		return fmt.Errorf("failed to write sample image %v: %w", fullPath, err)
	}
	metadata, _ := json.Marshal(res)
	err := r.db.Create(&Sample{
		Time:            dbh.MakeIntTime(res.Timestamp),
		StreamID:        res.StreamID,
		CalibratedScore: res.CalibratedScore,
		Filename:        filename,
		Metadata:        metadata,
	}).Error
	if err != nil {
		os.Remove(fullPath)
		return err
	}
	return nil
}

// RecentAnalysis returns the latest results, newest first. An empty streamID
// returns results across all streams.
func (r *RiskDB) RecentAnalysis(streamID string, limit int) ([]Analysis, error) {
	q := r.db.Order("time DESC").Limit(limit)
	if streamID != "" {
		q = q.Where("stream_id = ?", streamID)
	}
	results := []Analysis{}
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// RecentAlerts returns the latest alerts, newest first.
func (r *RiskDB) RecentAlerts(limit int) ([]Alert, error) {
	alerts := []Alert{}
	if err := r.db.Order("time DESC").Limit(limit).Find(&alerts).Error; err != nil {
		return nil, err
	}
	return alerts, nil
}

func (r *RiskDB) NumSamples() (int64, error) {
	var n int64
	err := r.db.Model(&Sample{}).Count(&n).Error
	return n, err
}

// Prune applies the retention policy, as of 'now'.
func (r *RiskDB) Prune(now time.Time) error {
	if r.retention.MaxAge != 0 {
		cutoff := dbh.MakeIntTime(now.Add(-r.retention.MaxAge))
		if err := r.db.Where("time < ?", cutoff).Delete(&Analysis{}).Error; err != nil {
			return err
		}
		if err := r.db.Where("time < ?", cutoff).Delete(&Alert{}).Error; err != nil {
			return err
		}
	}

	// Expired or surplus samples need their image deleted too, so fetch the
	// victim rows before deleting them.
	victims := []Sample{}
	if r.retention.SampleMaxAge != 0 {
		cutoff := dbh.MakeIntTime(now.Add(-r.retention.SampleMaxAge))
		expired := []Sample{}
		if err := r.db.Where("time < ?", cutoff).Find(&expired).Error; err != nil {
			return err
		}
		victims = append(victims, expired...)
	}
	if r.retention.MaxSamples != 0 {
		var total int64
		if err := r.db.Model(&Sample{}).Count(&total).Error; err != nil {
			return err
		}
		if surplus := total - int64(r.retention.MaxSamples); surplus > 0 {
			oldest := []Sample{}
			if err := r.db.Order("time ASC").Limit(int(surplus)).Find(&oldest).Error; err != nil {
				return err
			}
			victims = append(victims, oldest...)
		}
	}
	for _, s := range victims {
		if err := r.db.Delete(&Sample{}, s.ID).Error; err != nil {
			return err
		}
		if err := os.Remove(filepath.Join(r.sampleDir, s.Filename)); err != nil && !os.IsNotExist(err) {
			r.log.Warnf("Failed to delete sample image %v: %v", s.Filename, err)
		}
	}
	return nil
}

func (r *RiskDB) pruneThread() {
	defer close(r.pruneThreadDone)
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-r.shutdown:
			return
		case <-ticker.C:
			if err := r.Prune(time.Now()); err != nil {
				r.log.Errorf("Retention prune failed: %v", err)
			}
		}
	}
}
