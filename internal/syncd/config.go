package syncd

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tripsync/pkg/deadline"
)

const (
	defaultActiveTripInterval   = 30 * time.Second
	defaultIdleTripInterval     = 60 * time.Second
	defaultNotificationInterval = 60 * time.Second
	defaultRestartGrace         = 100 * time.Millisecond
	defaultCallTimeout          = 15 * time.Second
	defaultPenaltyUnits         = 100
	defaultOverdraftFloorUnits  = -100
	defaultNotificationPageSize = 20
	defaultNotificationMaxPages = 5
)

// Config aggregates engine settings.
type Config struct {
	ActiveTripInterval     time.Duration
	IdleTripInterval       time.Duration
	NotificationInterval   time.Duration
	TripMinSpacing         time.Duration
	NotificationMinSpacing time.Duration
	RestartGrace           time.Duration
	PollInBackground       bool
	CallTimeout            time.Duration

	CutoffSpec   string
	Timezone     string
	PenaltyUnits int64

	OverdraftFloorUnits  int64
	MinimumTapInUnits    int64
	NotificationPageSize int
	NotificationMaxPages int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ActiveTripInterval:   defaultActiveTripInterval,
		IdleTripInterval:     defaultIdleTripInterval,
		NotificationInterval: defaultNotificationInterval,
		RestartGrace:         defaultRestartGrace,
		CallTimeout:          defaultCallTimeout,
		CutoffSpec:           deadline.DefaultCutoffSpec,
		PenaltyUnits:         defaultPenaltyUnits,
		OverdraftFloorUnits:  defaultOverdraftFloorUnits,
		NotificationPageSize: defaultNotificationPageSize,
		NotificationMaxPages: defaultNotificationMaxPages,
	}
}

// Validate fills zero durations and sizes with defaults and rejects
// inconsistent values.
func (cfg *Config) Validate() error {
	cfg.ActiveTripInterval = defaultIfZero(cfg.ActiveTripInterval, defaultActiveTripInterval)
	cfg.IdleTripInterval = defaultIfZero(cfg.IdleTripInterval, defaultIdleTripInterval)
	cfg.NotificationInterval = defaultIfZero(cfg.NotificationInterval, defaultNotificationInterval)
	cfg.RestartGrace = defaultIfZero(cfg.RestartGrace, defaultRestartGrace)
	cfg.CallTimeout = defaultIfZero(cfg.CallTimeout, defaultCallTimeout)
	if strings.TrimSpace(cfg.CutoffSpec) == "" {
		cfg.CutoffSpec = deadline.DefaultCutoffSpec
	}
	if cfg.PenaltyUnits == 0 {
		cfg.PenaltyUnits = defaultPenaltyUnits
	}
	if cfg.NotificationPageSize == 0 {
		cfg.NotificationPageSize = defaultNotificationPageSize
	}
	if cfg.NotificationMaxPages == 0 {
		cfg.NotificationMaxPages = defaultNotificationMaxPages
	}

	if cfg.ActiveTripInterval < 0 || cfg.IdleTripInterval < 0 || cfg.NotificationInterval < 0 {
		return fmt.Errorf("polling intervals must be positive")
	}
	if cfg.TripMinSpacing < 0 || cfg.NotificationMinSpacing < 0 || cfg.RestartGrace < 0 {
		return fmt.Errorf("min spacing and restart grace must not be negative")
	}
	if cfg.PenaltyUnits < 0 {
		return fmt.Errorf("penalty must not be negative")
	}
	if cfg.MinimumTapInUnits < cfg.OverdraftFloorUnits {
		return fmt.Errorf("minimum tap-in balance %d is below overdraft floor %d", cfg.MinimumTapInUnits, cfg.OverdraftFloorUnits)
	}
	if cfg.NotificationPageSize < 0 || cfg.NotificationMaxPages < 0 {
		return fmt.Errorf("notification paging must be positive")
	}
	if _, err := cfg.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves Timezone; empty means the host zone.
func (cfg Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(cfg.Timezone)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	location, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", name, err)
	}
	return location, nil
}

func defaultIfZero(value time.Duration, fallback time.Duration) time.Duration {
	if value == 0 {
		return fallback
	}
	return value
}
