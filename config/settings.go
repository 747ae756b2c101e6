package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Settings holds the pipeline tunables. Infrastructure connection settings
// (DB_*, REDIS_ADDRESS, GCS_*, PUBSUB_*) are read directly by their connectors.
type Settings struct {
	DefaultOrgId string
	AppBaseURL   string
	StoreDriver  string
	LockDriver   string

	Tolerance       decimal.Decimal
	ReviewThreshold float64
	ErrorWeight     float64
	WarningWeight   float64

	PriceWindowSize  int
	MinPriceSamples  int
	SpendWindowSize  int
	SpendWindowDays  int
	MinSpendInvoices int
	PriceDeviationK  float64
	SpendSpikeK      float64

	SlackWebhookURL   string
	NotifyMaxAttempts int
	NotifyTimeout     time.Duration
	AsyncNotify       bool

	StorageTimeout    time.Duration
	ExtractionURL     string
	ExtractionAPIKey  string
	ExtractionModel   string
	ExtractionTimeout time.Duration

	EventsKeepalive    time.Duration
	EventsTopic        string
	EventsSubscription string

	DispatchEnabled        bool
	DispatchBatchSize      int
	DispatchPollInterval   time.Duration
	DispatchMaxAttempts    int
	DispatchInitialBackoff time.Duration
}

var (
	settings   *Settings
	settingsMu sync.Mutex
)

// GetSettings returns the process settings, loading them on first use.
// It panics on invalid configuration: the service cannot score safely without it.
func GetSettings() *Settings {
	settingsMu.Lock()
	defer settingsMu.Unlock()
	if settings != nil {
		return settings
	}
	s, err := LoadSettings()
	if err != nil {
		panic(err)
	}
	settings = s
	return settings
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ORG_ID", "")
	v.SetDefault("APP_BASE_URL", "http://localhost:3000")
	v.SetDefault("STORE_DRIVER", "mysql")
	v.SetDefault("LOCK_DRIVER", "local")

	v.SetDefault("VALIDATION_TOLERANCE", "0.02")
	v.SetDefault("REVIEW_CONFIDENCE_THRESHOLD", 0.8)
	v.SetDefault("VALIDATION_ERROR_WEIGHT", 0.25)
	v.SetDefault("VALIDATION_WARNING_WEIGHT", 0.05)

	v.SetDefault("PRICE_WINDOW_SIZE", 50)
	v.SetDefault("MIN_PRICE_SAMPLES", 5)
	v.SetDefault("SPEND_WINDOW_SIZE", 50)
	v.SetDefault("SPEND_WINDOW_DAYS", 90)
	v.SetDefault("MIN_SPEND_INVOICES", 3)
	v.SetDefault("PRICE_DEVIATION_K", 2.0)
	v.SetDefault("SPEND_SPIKE_K", 2.0)

	v.SetDefault("SLACK_WEBHOOK_URL", "")
	v.SetDefault("NOTIFY_MAX_ATTEMPTS", 3)
	v.SetDefault("NOTIFY_TIMEOUT", "5s")
	v.SetDefault("NOTIFY_ASYNC", true)

	v.SetDefault("STORAGE_TIMEOUT", "30s")
	v.SetDefault("EXTRACTION_URL", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("EXTRACTION_API_KEY", "")
	v.SetDefault("EXTRACTION_MODEL", "gpt-4o-mini")
	v.SetDefault("EXTRACTION_TIMEOUT", "60s")

	v.SetDefault("EVENTS_KEEPALIVE", "15s")
	v.SetDefault("PUBSUB_EVENTS_TOPIC", "")
	v.SetDefault("PUBSUB_EVENTS_SUBSCRIPTION", "")

	v.SetDefault("DISPATCH_ENABLED", true)
	v.SetDefault("DISPATCH_BATCH_SIZE", 20)
	v.SetDefault("DISPATCH_POLL_INTERVAL", "1s")
	v.SetDefault("DISPATCH_MAX_ATTEMPTS", 5)
	v.SetDefault("DISPATCH_INITIAL_BACKOFF", "5s")
}

// LoadSettings reads settings from the environment (after .env) and, when
// SETTINGS_FILE is set, from that file. Environment values win.
func LoadSettings() (*Settings, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if file := strings.TrimSpace(os.Getenv("SETTINGS_FILE")); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read settings file %q: %w", file, err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Settings, error) {
	tol, err := decimal.NewFromString(strings.TrimSpace(v.GetString("VALIDATION_TOLERANCE")))
	if err != nil {
		return nil, fmt.Errorf("VALIDATION_TOLERANCE: %w", err)
	}

	s := &Settings{
		DefaultOrgId: v.GetString("ORG_ID"),
		AppBaseURL:   strings.TrimRight(v.GetString("APP_BASE_URL"), "/"),
		StoreDriver:  strings.ToLower(v.GetString("STORE_DRIVER")),
		LockDriver:   strings.ToLower(v.GetString("LOCK_DRIVER")),

		Tolerance:       tol,
		ReviewThreshold: v.GetFloat64("REVIEW_CONFIDENCE_THRESHOLD"),
		ErrorWeight:     v.GetFloat64("VALIDATION_ERROR_WEIGHT"),
		WarningWeight:   v.GetFloat64("VALIDATION_WARNING_WEIGHT"),

		PriceWindowSize:  v.GetInt("PRICE_WINDOW_SIZE"),
		MinPriceSamples:  v.GetInt("MIN_PRICE_SAMPLES"),
		SpendWindowSize:  v.GetInt("SPEND_WINDOW_SIZE"),
		SpendWindowDays:  v.GetInt("SPEND_WINDOW_DAYS"),
		MinSpendInvoices: v.GetInt("MIN_SPEND_INVOICES"),
		PriceDeviationK:  v.GetFloat64("PRICE_DEVIATION_K"),
		SpendSpikeK:      v.GetFloat64("SPEND_SPIKE_K"),

		SlackWebhookURL:   v.GetString("SLACK_WEBHOOK_URL"),
		NotifyMaxAttempts: v.GetInt("NOTIFY_MAX_ATTEMPTS"),
		NotifyTimeout:     v.GetDuration("NOTIFY_TIMEOUT"),
		AsyncNotify:       v.GetBool("NOTIFY_ASYNC"),

		StorageTimeout:    v.GetDuration("STORAGE_TIMEOUT"),
		ExtractionURL:     v.GetString("EXTRACTION_URL"),
		ExtractionAPIKey:  v.GetString("EXTRACTION_API_KEY"),
		ExtractionModel:   v.GetString("EXTRACTION_MODEL"),
		ExtractionTimeout: v.GetDuration("EXTRACTION_TIMEOUT"),

		EventsKeepalive:    v.GetDuration("EVENTS_KEEPALIVE"),
		EventsTopic:        v.GetString("PUBSUB_EVENTS_TOPIC"),
		EventsSubscription: v.GetString("PUBSUB_EVENTS_SUBSCRIPTION"),

		DispatchEnabled:        v.GetBool("DISPATCH_ENABLED"),
		DispatchBatchSize:      v.GetInt("DISPATCH_BATCH_SIZE"),
		DispatchPollInterval:   v.GetDuration("DISPATCH_POLL_INTERVAL"),
		DispatchMaxAttempts:    v.GetInt("DISPATCH_MAX_ATTEMPTS"),
		DispatchInitialBackoff: v.GetDuration("DISPATCH_INITIAL_BACKOFF"),
	}
	if s.ExtractionAPIKey == "" {
		s.ExtractionAPIKey = os.Getenv("OPENAI_API_KEY")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// DefaultSettings returns the documented defaults without reading the environment.
func DefaultSettings() *Settings {
	v := viper.New()
	setDefaults(v)
	s, err := fromViper(v)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Settings) Validate() error {
	var errs []error
	if s.Tolerance.IsNegative() {
		errs = append(errs, errors.New("VALIDATION_TOLERANCE must be >= 0"))
	}
	if s.ReviewThreshold < 0 || s.ReviewThreshold > 1 {
		errs = append(errs, errors.New("REVIEW_CONFIDENCE_THRESHOLD must be within [0,1]"))
	}
	if s.PriceDeviationK <= 0 || s.SpendSpikeK <= 0 {
		errs = append(errs, errors.New("PRICE_DEVIATION_K and SPEND_SPIKE_K must be > 0"))
	}
	if s.MinPriceSamples < 1 || s.PriceWindowSize < s.MinPriceSamples {
		errs = append(errs, errors.New("PRICE_WINDOW_SIZE must be >= MIN_PRICE_SAMPLES >= 1"))
	}
	if s.MinSpendInvoices < 1 || s.SpendWindowSize < s.MinSpendInvoices {
		errs = append(errs, errors.New("SPEND_WINDOW_SIZE must be >= MIN_SPEND_INVOICES >= 1"))
	}
	if s.SpendWindowDays < 1 {
		errs = append(errs, errors.New("SPEND_WINDOW_DAYS must be >= 1"))
	}
	if s.NotifyMaxAttempts < 1 {
		errs = append(errs, errors.New("NOTIFY_MAX_ATTEMPTS must be >= 1"))
	}
	switch s.StoreDriver {
	case "mysql", "memory":
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER %q not supported", s.StoreDriver))
	}
	switch s.LockDriver {
	case "local", "redis", "mysql":
	default:
		errs = append(errs, fmt.Errorf("LOCK_DRIVER %q not supported", s.LockDriver))
	}
	return errors.Join(errs...)
}
