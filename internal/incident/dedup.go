package incident

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"time"
)

// Config controls intake behavior.
type Config struct {
	// DedupWindow bounds how far apart two events may be and still merge.
	DedupWindow time.Duration

	// DedupByClientID keys on clientEventId when the detector supplies one.
	// When false, every event is keyed on type, camera and time bucket.
	DedupByClientID bool

	// NotifyThresholds suppresses dispatch for events below the per-type
	// confidence threshold. The alert is still recorded.
	NotifyThresholds bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DedupWindow:      30 * time.Second,
		DedupByClientID:  true,
		NotifyThresholds: true,
	}
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	d := DefaultConfig()
	fs.DurationVar(&c.DedupWindow, "dedup-window", d.DedupWindow, "window within which duplicate events merge into one alert")
	fs.BoolVar(&c.DedupByClientID, "dedup-by-client-id", d.DedupByClientID, "key dedup on clientEventId when present")
	fs.BoolVar(&c.NotifyThresholds, "notify-thresholds", d.NotifyThresholds, "skip notification for events below the per-type confidence threshold")
}

// Validate checks all configuration fields for correctness.
func (c *Config) Validate() error {
	var errs []error
	if c.DedupWindow < time.Second {
		errs = append(errs, fmt.Errorf("DEDUP_WINDOW %s must be at least 1s", c.DedupWindow))
	}
	if c.DedupWindow > 24*time.Hour {
		errs = append(errs, fmt.Errorf("DEDUP_WINDOW %s must be at most 24h", c.DedupWindow))
	}
	return errors.Join(errs...)
}

// DedupKey derives the merge key for ev and the earliest creation time an
// existing alert may have to be merged into. Time-bucketed keys already
// encode the window, so their notBefore is zero.
func DedupKey(ev *Event, cfg Config, now time.Time) (key string, notBefore time.Time) {
	if cfg.DedupByClientID && ev.ClientEventID != "" {
		return "cid:" + ev.ClientEventID, now.Add(-cfg.DedupWindow)
	}
	bucket := ev.Timestamp.UTC().Truncate(cfg.DedupWindow).Unix()
	return "evt:" + string(ev.EventType) + "|" + ev.CameraID + "|" + strconv.FormatInt(bucket, 10), time.Time{}
}
