package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	OSRMEndpoint string
	PushEndpoint string
	PushKey      string

	Broadcast BroadcastConfig
	Arbiter   ArbiterConfig
	Schedule  ScheduleConfig

	SurgeDefault    int64
	CancellationFee int64

	LogLevel      string
	RunMigrations bool
}

// BroadcastConfig holds the search geometry and timing of the broadcast
// pipeline. The two zones carry different radii, steps, and round timeouts.
type BroadcastConfig struct {
	ServiceCenterLat    float64
	ServiceCenterLon    float64
	CityCenterRadiusKm  float64
	ServiceAreaRadiusKm float64

	InitialRadiusCityKm     float64
	InitialRadiusExtendedKm float64
	StepCityKm              float64
	StepExtendedKm          float64
	RoundTimeoutCity        time.Duration
	RoundTimeoutExtended    time.Duration
	BatchSize               int
	BatchTimeout            time.Duration

	// MaxExpansions caps radius growth; exhausting it surfaces
	// no-drivers-available to the requester.
	MaxExpansions int
}

type ArbiterConfig struct {
	// DecisionWindow is how long the first accept holds the door open for
	// competing accepts before the closest bidder wins.
	DecisionWindow time.Duration
}

type ScheduleConfig struct {
	SweepInterval  time.Duration
	PromoteLead    time.Duration
	EscalationLead time.Duration
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "drivers_geo",
		KafkaTopic:      "driver-locations",
		Broadcast: BroadcastConfig{
			ServiceCenterLat:        23.8103,
			ServiceCenterLon:        90.4125,
			CityCenterRadiusKm:      10,
			ServiceAreaRadiusKm:     40,
			InitialRadiusCityKm:     5,
			InitialRadiusExtendedKm: 8,
			StepCityKm:              2,
			StepExtendedKm:          3,
			RoundTimeoutCity:        2 * time.Minute,
			RoundTimeoutExtended:    3 * time.Minute,
			BatchSize:               5,
			BatchTimeout:            20 * time.Second,
			MaxExpansions:           3,
		},
		Arbiter: ArbiterConfig{
			DecisionWindow: 50 * time.Millisecond,
		},
		Schedule: ScheduleConfig{
			SweepInterval:  60 * time.Second,
			PromoteLead:    30 * time.Minute,
			EscalationLead: 15 * time.Minute,
		},
		SurgeDefault:    100,
		CancellationFee: 2000,
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_KEY")

	setFloatFromEnv(&cfg.Broadcast.ServiceCenterLat, "SERVICE_CENTER_LAT", &errs)
	setFloatFromEnv(&cfg.Broadcast.ServiceCenterLon, "SERVICE_CENTER_LON", &errs)
	setFloatFromEnv(&cfg.Broadcast.CityCenterRadiusKm, "CITY_CENTER_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.Broadcast.ServiceAreaRadiusKm, "SERVICE_AREA_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.Broadcast.InitialRadiusCityKm, "BROADCAST_INITIAL_RADIUS_CITY_KM", &errs)
	setFloatFromEnv(&cfg.Broadcast.InitialRadiusExtendedKm, "BROADCAST_INITIAL_RADIUS_EXTENDED_KM", &errs)
	setFloatFromEnv(&cfg.Broadcast.StepCityKm, "BROADCAST_STEP_CITY_KM", &errs)
	setFloatFromEnv(&cfg.Broadcast.StepExtendedKm, "BROADCAST_STEP_EXTENDED_KM", &errs)
	setDurationFromEnv(&cfg.Broadcast.RoundTimeoutCity, "BROADCAST_ROUND_TIMEOUT_CITY", &errs)
	setDurationFromEnv(&cfg.Broadcast.RoundTimeoutExtended, "BROADCAST_ROUND_TIMEOUT_EXTENDED", &errs)
	setIntFromEnv(&cfg.Broadcast.BatchSize, "BROADCAST_BATCH_SIZE", &errs)
	setDurationFromEnv(&cfg.Broadcast.BatchTimeout, "BROADCAST_BATCH_TIMEOUT", &errs)
	setIntFromEnv(&cfg.Broadcast.MaxExpansions, "BROADCAST_MAX_EXPANSIONS", &errs)

	setDurationFromEnv(&cfg.Arbiter.DecisionWindow, "ARBITER_DECISION_WINDOW", &errs)

	setDurationFromEnv(&cfg.Schedule.SweepInterval, "SCHEDULE_SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.Schedule.PromoteLead, "SCHEDULE_PROMOTE_LEAD", &errs)
	setDurationFromEnv(&cfg.Schedule.EscalationLead, "SCHEDULE_ESCALATION_LEAD", &errs)

	setInt64FromEnv(&cfg.SurgeDefault, "SURGE_DEFAULT", &errs)
	setInt64FromEnv(&cfg.CancellationFee, "CANCELLATION_FEE", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.Broadcast.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("BROADCAST_BATCH_SIZE must be > 0"))
	}
	if cfg.Broadcast.MaxExpansions < 0 {
		errs = append(errs, fmt.Errorf("BROADCAST_MAX_EXPANSIONS must be >= 0"))
	}
	if cfg.Broadcast.InitialRadiusCityKm <= 0 || cfg.Broadcast.InitialRadiusExtendedKm <= 0 {
		errs = append(errs, fmt.Errorf("initial broadcast radii must be > 0"))
	}
	if cfg.SurgeDefault < 100 {
		errs = append(errs, fmt.Errorf("SURGE_DEFAULT must be >= 100"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
