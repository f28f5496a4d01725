/*Package runlog keeps the history of scans and imaging sequences in a
sqlite database.

A Store satisfies scan.Recorder and multicolor.Recorder, so it can be given
to a scan.Machine and a multicolor.Task directly.
*/
package runlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/labcore/scopectl/multicolor"
	"github.com/labcore/scopectl/scan"
)

// ErrNotFound is returned when a run id is not in the store
var ErrNotFound = errors.New("run not found")

// ScanRun is the row of one scan
type ScanRun struct {
	ID             string `gorm:"primaryKey;size:36" json:"id"`
	FastAxis       string `gorm:"size:16" json:"fast_axis"`
	SlowAxis       string `gorm:"size:16" json:"slow_axis"`
	Rx             int    `json:"rx"`
	Ry             int    `json:"ry"`
	LineIntervalNs int64  `json:"line_interval_ns"`
	Lines          int    `json:"lines"`
	Stopped        bool   `json:"stopped"`
	Err            string `json:"err,omitempty"`

	StartedAt time.Time `gorm:"index" json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	CreatedAt time.Time `json:"created_at"`
}

// SequenceRun is the row of one imaging sequence
type SequenceRun struct {
	ID string `gorm:"primaryKey;size:36" json:"id"`

	// Sequence is the JSON encoding of the resolved steps
	Sequence  string `gorm:"type:text" json:"sequence"`
	NumFrames int    `json:"num_frames"`
	Completed int    `json:"completed"`
	Missed    int    `json:"missed"`
	Restarts  int    `json:"restarts"`
	SpoolPath string `json:"spool_path"`
	Err       string `json:"err,omitempty"`

	StartedAt time.Time `gorm:"index" json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Steps decodes the sequence column
func (r SequenceRun) Steps() ([]multicolor.Step, error) {
	var steps []multicolor.Step
	if r.Sequence == "" {
		return steps, nil
	}
	err := json.Unmarshal([]byte(r.Sequence), &steps)
	return steps, err
}

var (
	_ scan.Recorder       = (*Store)(nil)
	_ multicolor.Recorder = (*Store)(nil)
)

// Store is the run history
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// Open opens or creates the database at dsn, a file path or ":memory:",
// and migrates the tables
func Open(dsn string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening run log %s: %w", dsn, err)
	}
	if dsn == ":memory:" {
		// every pooled connection would get its own empty database
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&ScanRun{}, &SequenceRun{}); err != nil {
		return nil, fmt.Errorf("migrating run log: %w", err)
	}
	log.Info("run log opened", zap.String("dsn", dsn))
	return &Store{db: db, log: log}, nil
}

// Close closes the database
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordScan satisfies scan.Recorder
func (s *Store) RecordScan(r scan.RunRecord) error {
	row := ScanRun{
		ID:             r.ID,
		FastAxis:       r.Axes.Fast(),
		SlowAxis:       r.Axes.Slow(),
		Rx:             r.Resolution[0],
		Ry:             r.Resolution[1],
		LineIntervalNs: int64(r.LineInterval),
		Lines:          r.Lines,
		Stopped:        r.Stopped,
		Err:            r.Err,
		StartedAt:      r.Start,
		EndedAt:        r.End,
	}
	return s.db.Create(&row).Error
}

// RecordSequence satisfies multicolor.Recorder
func (s *Store) RecordSequence(r multicolor.Record) error {
	seq, err := json.Marshal(r.Sequence)
	if err != nil {
		return err
	}
	row := SequenceRun{
		ID:        r.ID,
		Sequence:  string(seq),
		NumFrames: r.NumFrames,
		Completed: r.Completed,
		Missed:    r.Missed,
		Restarts:  r.Restarts,
		SpoolPath: r.SpoolPath,
		Err:       r.Err,
		StartedAt: r.Start,
		EndedAt:   r.End,
	}
	return s.db.Create(&row).Error
}

// Scans returns the newest scans first.  limit <= 0 returns every row.
func (s *Store) Scans(limit int) ([]ScanRun, error) {
	var rows []ScanRun
	q := s.db.Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&rows).Error
	return rows, err
}

// Sequences returns the newest imaging sequences first.  limit <= 0 returns every row.
func (s *Store) Sequences(limit int) ([]SequenceRun, error) {
	var rows []SequenceRun
	q := s.db.Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&rows).Error
	return rows, err
}

// Scan returns one scan by id
func (s *Store) Scan(id string) (ScanRun, error) {
	var row ScanRun
	err := s.db.First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, fmt.Errorf("%w: scan %s", ErrNotFound, id)
	}
	return row, err
}

// Sequence returns one imaging sequence by id
func (s *Store) Sequence(id string) (SequenceRun, error) {
	var row SequenceRun
	err := s.db.First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, fmt.Errorf("%w: sequence %s", ErrNotFound, id)
	}
	return row, err
}
