package connector

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// counterThresholds are the utilization percentages announced once per day.
var counterThresholds = []int{70, 80, 90}

// dailyCounterState is the persisted shape of the counter file.
type dailyCounterState struct {
	Count            int    `json:"count"`
	LastResetDate    string `json:"last_reset_date"`
	LoggedThresholds []int  `json:"logged_thresholds"`
}

// DailyCounter tracks requests per Pacific-time day against a configured
// limit, persisting across restarts. A failed persist logs and continues;
// the in-memory count still advances.
type DailyCounter struct {
	mu    sync.Mutex
	path  string
	limit int
	state dailyCounterState
	loc   *time.Location
	now   func() time.Time

	loaded bool
}

// NewDailyCounter builds a counter persisting to path. limit 0 disables the
// cap but keeps counting.
func NewDailyCounter(path string, limit int) *DailyCounter {
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		log.Warnf("daily counter: cannot load Pacific timezone, falling back to UTC: %v", err)
		loc = time.UTC
	}
	return &DailyCounter{path: path, limit: limit, loc: loc, now: time.Now}
}

func (c *DailyCounter) today() string {
	return c.now().In(c.loc).Format("2006-01-02")
}

// nextReset returns the start of the next Pacific day.
func (c *DailyCounter) nextReset() time.Time {
	now := c.now().In(c.loc)
	year, month, day := now.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, c.loc).AddDate(0, 0, 1)
}

func (c *DailyCounter) load() {
	if c.loaded {
		return
	}
	c.loaded = true
	raw, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("daily counter: cannot read %s: %v", c.path, err)
		}
		return
	}
	if err = json.Unmarshal(raw, &c.state); err != nil {
		log.Warnf("daily counter: malformed state in %s, starting fresh: %v", c.path, err)
		c.state = dailyCounterState{}
	}
}

func (c *DailyCounter) persist() {
	if c.path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		log.Warnf("daily counter: cannot create state directory: %v", err)
		return
	}
	raw, _ := json.Marshal(c.state)
	if err := os.WriteFile(c.path, raw, 0o644); err != nil {
		log.Warnf("daily counter: cannot persist state: %v", err)
	}
}

// Increment counts one request. It returns false with the next reset time
// when the daily limit is already reached.
func (c *DailyCounter) Increment() (ok bool, resetAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.load()

	today := c.today()
	if c.state.LastResetDate != today {
		c.state = dailyCounterState{LastResetDate: today}
	}

	if c.limit > 0 && c.state.Count >= c.limit {
		return false, c.nextReset()
	}

	c.state.Count++
	c.logThresholds()
	c.persist()
	return true, time.Time{}
}

// Count returns today's request count.
func (c *DailyCounter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.load()
	if c.state.LastResetDate != c.today() {
		return 0
	}
	return c.state.Count
}

func (c *DailyCounter) logThresholds() {
	if c.limit <= 0 {
		return
	}
	percent := c.state.Count * 100 / c.limit
	for _, threshold := range counterThresholds {
		if percent < threshold {
			break
		}
		if containsInt(c.state.LoggedThresholds, threshold) {
			continue
		}
		c.state.LoggedThresholds = append(c.state.LoggedThresholds, threshold)
		log.Warnf("gemini-cli daily quota at %d%% (%d of %d requests)", threshold, c.state.Count, c.limit)
	}
}

func containsInt(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
