package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":4020"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/var/lib/vibetunnel/vibetunnel.db"`
	LogPath      string `envconfig:"LOG_PATH" default:""`

	// Client -> server API credential. Empty with AuthDisabled=false means
	// only the admin/bearer credentials are accepted.
	AuthDisabled bool   `envconfig:"AUTH_DISABLED" default:"false"`
	ClientToken  string `envconfig:"CLIENT_TOKEN" default:""`

	// HQ side: whether this process aggregates remotes. HQUsername and
	// HQPassword are the admin credentials remotes present, on both sides.
	HQMode     bool   `envconfig:"HQ_MODE" default:"false"`
	HQUsername string `envconfig:"HQ_USERNAME" default:""`
	HQPassword string `envconfig:"HQ_PASSWORD" default:""`

	// Remote side
	HQURL      string `envconfig:"HQ_URL" default:""`
	RemoteName string `envconfig:"REMOTE_NAME" default:""`
	RemoteID   string `envconfig:"REMOTE_ID" default:""`
	RemoteURL  string `envconfig:"REMOTE_URL" default:""`

	// Registry health sweep
	HealthInterval         time.Duration `envconfig:"HEALTH_INTERVAL" default:"15s"`
	HealthTimeout          time.Duration `envconfig:"HEALTH_TIMEOUT" default:"5s"`
	HealthFailureThreshold int           `envconfig:"HEALTH_FAILURE_THRESHOLD" default:"1"`
	RemoteFanoutTimeout    time.Duration `envconfig:"REMOTE_FANOUT_TIMEOUT" default:"5s"`

	ResyncSchedule string        `envconfig:"RESYNC_SCHEDULE" default:"@every 1m"`
	EventRetention time.Duration `envconfig:"EVENT_RETENTION" default:"168h"`

	BufferPingInterval time.Duration `envconfig:"BUFFER_PING_INTERVAL" default:"10s"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("VIBETUNNEL", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := Cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
}

// IsRemote reports whether this process should register with an HQ.
func (s Settings) IsRemote() bool {
	return s.HQURL != ""
}

// Validate checks the settings required by the selected role.
func (s Settings) Validate() error {
	var errs []error

	if s.HQMode && s.IsRemote() {
		errs = append(errs, errors.New("HQ_MODE and HQ_URL are mutually exclusive"))
	}
	if s.HQMode || s.IsRemote() {
		if s.HQUsername == "" || s.HQPassword == "" {
			errs = append(errs, errors.New("HQ_USERNAME and HQ_PASSWORD are required for HQ integration"))
		}
	}
	if s.IsRemote() {
		if strings.TrimSpace(s.RemoteName) == "" {
			errs = append(errs, errors.New("REMOTE_NAME is required when HQ_URL is set"))
		}
		if s.RemoteURL == "" {
			errs = append(errs, errors.New("REMOTE_URL is required when HQ_URL is set"))
		}
	}
	if s.HealthTimeout >= s.HealthInterval {
		errs = append(errs, fmt.Errorf("HEALTH_TIMEOUT (%s) must be shorter than HEALTH_INTERVAL (%s)", s.HealthTimeout, s.HealthInterval))
	}
	if s.HealthFailureThreshold < 1 {
		errs = append(errs, errors.New("HEALTH_FAILURE_THRESHOLD must be at least 1"))
	}

	return errors.Join(errs...)
}
