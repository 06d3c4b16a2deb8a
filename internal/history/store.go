package history

import (
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/labqc/labqc-server/internal/domain"
)

// Store keeps the recent result series per (patient, test) pair in an LRU so
// memory stays bounded under an open-ended patient population. Series are
// maintained in non-decreasing timestamp order, which trend and delta
// analysis depend on.
type Store struct {
	logger    *logrus.Logger
	cache     *lru.Cache[string, *series]
	maxLength int
}

type series struct {
	mu      sync.Mutex
	results []domain.TestResult
}

// New creates a history store holding up to maxSeries (patient, test) pairs
// of up to maxLength results each.
func New(logger *logrus.Logger, maxSeries, maxLength int) (*Store, error) {
	if maxSeries <= 0 {
		maxSeries = 4096
	}
	if maxLength <= 0 {
		maxLength = 128
	}
	cache, err := lru.New[string, *series](maxSeries)
	if err != nil {
		return nil, err
	}
	return &Store{logger: logger, cache: cache, maxLength: maxLength}, nil
}

// Append records a result in its (patient, test) series, keeping the series
// ordered by timestamp even when results arrive late.
func (s *Store) Append(result domain.TestResult) {
	key := seriesKey(result.PatientID, result.TestID)

	ser, ok := s.cache.Get(key)
	if !ok {
		ser = &series{}
		if existing, found, _ := s.cache.PeekOrAdd(key, ser); found {
			ser = existing
		}
	}

	ser.mu.Lock()
	defer ser.mu.Unlock()

	ser.results = append(ser.results, result)
	// Most arrivals are already in order; only sort when the tail is not.
	n := len(ser.results)
	if n > 1 && ser.results[n-1].Timestamp.Before(ser.results[n-2].Timestamp) {
		sort.SliceStable(ser.results, func(i, j int) bool {
			return ser.results[i].Timestamp.Before(ser.results[j].Timestamp)
		})
	}
	if n > s.maxLength {
		ser.results = ser.results[n-s.maxLength:]
	}
}

// Series returns a copy of the ordered history for one (patient, test) pair
func (s *Store) Series(patientID, testID string) []domain.TestResult {
	ser, ok := s.cache.Get(seriesKey(patientID, testID))
	if !ok {
		return nil
	}
	ser.mu.Lock()
	defer ser.mu.Unlock()

	out := make([]domain.TestResult, len(ser.results))
	copy(out, ser.results)
	return out
}

// Len returns the number of tracked (patient, test) series
func (s *Store) Len() int {
	return s.cache.Len()
}

func seriesKey(patientID, testID string) string {
	return patientID + "|" + testID
}
