package runlog

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/labcore/scopectl/multicolor"
	"github.com/labcore/scopectl/scan"
)

// StoreTestSuite exercises a Store on an in-memory database
type StoreTestSuite struct {
	suite.Suite
	store *Store
}

func (s *StoreTestSuite) SetupSuite() {
	store, err := Open(":memory:", nil)
	s.Require().NoError(err)
	s.store = store
}

func (s *StoreTestSuite) TearDownSuite() {
	s.store.Close()
}

func (s *StoreTestSuite) SetupTest() {
	s.store.db.Exec("DELETE FROM scan_runs")
	s.store.db.Exec("DELETE FROM sequence_runs")
}

func (s *StoreTestSuite) TestRecordScan() {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := scan.RunRecord{
		ID:           uuid.NewString(),
		Axes:         scan.AxisPair{"x", "z"},
		Resolution:   [2]int{100, 40},
		LineInterval: 100 * time.Millisecond,
		Lines:        17,
		Stopped:      true,
		Start:        start,
		End:          start.Add(2 * time.Second),
	}
	s.Require().NoError(s.store.RecordScan(rec))

	row, err := s.store.Scan(rec.ID)
	s.Require().NoError(err)
	s.Equal("x", row.FastAxis)
	s.Equal("z", row.SlowAxis)
	s.Equal(40, row.Ry)
	s.Equal(int64(100*time.Millisecond), row.LineIntervalNs)
	s.True(row.Stopped)
	s.True(row.StartedAt.Equal(start))

	_, err = s.store.Scan("nope")
	s.ErrorIs(err, ErrNotFound)
}

func (s *StoreTestSuite) TestRecordSequence() {
	rec := multicolor.Record{
		ID:        uuid.NewString(),
		Sequence:  []multicolor.Step{{Label: "laser2", Intensity: 10}, {Label: "laser3", Intensity: 20}},
		Entries:   2,
		NumFrames: 5,
		Completed: 10,
		Missed:    2,
		Restarts:  2,
		SpoolPath: "/data/2024_03_01/120000_Stack/multicolor",
		Start:     time.Now(),
		End:       time.Now(),
	}
	s.Require().NoError(s.store.RecordSequence(rec))

	row, err := s.store.Sequence(rec.ID)
	s.Require().NoError(err)
	s.Equal(10, row.Completed)
	s.Equal(2, row.Restarts)
	steps, err := row.Steps()
	s.Require().NoError(err)
	s.Equal(rec.Sequence, steps)
}

func (s *StoreTestSuite) TestNewestFirst() {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.Require().NoError(s.store.RecordScan(scan.RunRecord{
			ID:    uuid.NewString(),
			Axes:  scan.AxisPair{"x", "y"},
			Lines: i,
			Start: base.Add(time.Duration(i) * time.Hour),
		}))
	}
	rows, err := s.store.Scans(3)
	s.Require().NoError(err)
	s.Require().Len(rows, 3)
	s.Equal(4, rows[0].Lines)
	s.Equal(2, rows[2].Lines)

	rows, err = s.store.Scans(0)
	s.Require().NoError(err)
	s.Len(rows, 5)
}

func (s *StoreTestSuite) TestHTTP() {
	id := uuid.NewString()
	s.Require().NoError(s.store.RecordSequence(multicolor.Record{ID: id, NumFrames: 3, Start: time.Now()}))

	r := chi.NewRouter()
	NewHTTPWrapper(s.store).RT().Bind(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sequences")
	s.Require().NoError(err)
	defer resp.Body.Close()
	var rows []SequenceRun
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&rows))
	s.Require().Len(rows, 1)
	s.Equal(id, rows[0].ID)

	resp2, err := http.Get(srv.URL + "/sequences/" + uuid.NewString())
	s.Require().NoError(err)
	resp2.Body.Close()
	s.Equal(http.StatusNotFound, resp2.StatusCode)

	resp3, err := http.Get(srv.URL + "/scans?limit=x")
	s.Require().NoError(err)
	resp3.Body.Close()
	s.Equal(http.StatusBadRequest, resp3.StatusCode)
}

func TestStoreTestSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}
