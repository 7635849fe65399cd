package riskdb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE analysis(
			id INTEGER PRIMARY KEY,
			time INT NOT NULL,
			stream_id TEXT NOT NULL,
			level TEXT NOT NULL,
			risk_score REAL NOT NULL,
			calibrated_score REAL NOT NULL,
			people_count INT NOT NULL,
			density REAL NOT NULL,
			motion_score REAL NOT NULL,
			fallback INT NOT NULL,
			boxes BLOB
		);

		CREATE TABLE alert(
			id INTEGER PRIMARY KEY,
			time INT NOT NULL,
			stream_id TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			risk_score REAL NOT NULL,
			people_count INT NOT NULL
		);

		CREATE TABLE sample(
			id INTEGER PRIMARY KEY,
			time INT NOT NULL,
			stream_id TEXT NOT NULL,
			calibrated_score REAL NOT NULL,
			filename TEXT NOT NULL,
			metadata BLOB
		);
	`))

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE INDEX idx_analysis_time ON analysis(time);
		CREATE INDEX idx_analysis_stream_id ON analysis(stream_id);
		CREATE INDEX idx_alert_time ON alert(time);
		CREATE INDEX idx_sample_time ON sample(time);
	`))

	return migs
}
