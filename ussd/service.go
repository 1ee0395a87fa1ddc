package ussd

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// countSessionsTotal counts terminal ussd sessions broken down by action and outcome
	countSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ussd_sessions_total",
			Help: "count of completed ussd sessions ( since last start ) broken down by action and outcome",
		},
		[]string{"action", "outcome"},
	)
)

func init() {
	err := prometheus.Register(countSessionsTotal)
	if ae, ok := err.(prometheus.AlreadyRegisteredError); ok {
		countSessionsTotal = ae.ExistingCollector.(*prometheus.CounterVec)
	}
}

// Config tunes the session engine
type Config struct {
	SessionTimeout  time.Duration
	MaxPINAttempts  int
	PinLockDuration time.Duration
	DefaultLanguage string
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		SessionTimeout:  120 * time.Second,
		MaxPINAttempts:  3,
		PinLockDuration: 30 * time.Minute,
		DefaultLanguage: "fr",
	}
}

// Service drives the per-turn session state machine
type Service struct {
	sessions  SessionStore
	Datastore Datastore
	menus     *MenuTexts
	cfg       Config
}

// InitService creates a service using the passed stores
func InitService(sessions SessionStore, datastore Datastore, cfg Config) *Service {
	if cfg.MaxPINAttempts == 0 {
		cfg = DefaultConfig()
	}
	return &Service{
		sessions:  sessions,
		Datastore: datastore,
		menus:     NewMenuTexts(datastore),
		cfg:       cfg,
	}
}
