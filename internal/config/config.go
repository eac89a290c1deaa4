package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"development"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	ReportsBaseURL    string        `env:"REPORTS_BASE_URL,notEmpty"`
	ReportPollCeiling time.Duration `env:"REPORT_POLL_CEILING" envDefault:"45m"`
	MarketplaceIDs    []string      `env:"MARKETPLACE_IDS" envSeparator:"," envDefault:"A13V1IB3VIYZZH"`

	DetectionQueue        string        `env:"DETECTION_QUEUE" envDefault:"detection"`
	DetectionPollInterval time.Duration `env:"DETECTION_POLL_INTERVAL" envDefault:"2s"`
	DetectionWaitCeiling  time.Duration `env:"DETECTION_WAIT_CEILING" envDefault:"60s"`

	ReaperInterval      time.Duration `env:"REAPER_INTERVAL" envDefault:"60s"`
	StuckJobThreshold   time.Duration `env:"STUCK_JOB_THRESHOLD" envDefault:"10m"`
	QueueAlertThreshold int           `env:"QUEUE_ALERT_THRESHOLD" envDefault:"100"`
	MaxAutoRetries      int           `env:"MAX_AUTO_RETRIES" envDefault:"3"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	return c
}
