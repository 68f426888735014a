// Package config resolves the process configuration from CLASSCAST_*
// environment variables, backfilling unset fields from defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/imdario/mergo"
)

// Codec is one entry of the router codec table.
type Codec struct {
	MimeType             string
	ClockRate            uint32
	Channels             uint16
	PreferredPayloadType uint8
}

// Config is the full server configuration.
type Config struct {
	BindAddr string

	ReadLimitBytes int64
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongWait       time.Duration
	MaxPeers       int
	MaxRoomPeers   int

	UDPPortMin    uint16
	UDPPortMax    uint16
	AnnouncedIP   string
	ICEServers    []string
	ICEUsername   string
	ICECredential string

	Codecs []Codec

	BackendBaseURL   string
	BackendSecret    string
	BackendTimeout   time.Duration
	EventWorkers     int
	EventQueueSize   int
	TranscribeToken  string
	FatalGracePeriod time.Duration
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		BindAddr:       ":8787",
		ReadLimitBytes: 1024 * 1024,
		WriteTimeout:   4 * time.Second,
		PingInterval:   20 * time.Second,
		PongWait:       45 * time.Second,
		MaxPeers:       512,
		MaxRoomPeers:   64,
		UDPPortMin:     50000,
		UDPPortMax:     50199,
		Codecs: []Codec{
			{MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PreferredPayloadType: 111},
			{MimeType: "video/VP8", ClockRate: 90000, PreferredPayloadType: 96},
		},
		BackendTimeout:   5 * time.Second,
		EventWorkers:     4,
		EventQueueSize:   4096,
		FatalGracePeriod: 2 * time.Second,
	}
}

// Load builds a Config from the environment merged over Defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:        os.Getenv("CLASSCAST_BIND_ADDR"),
		AnnouncedIP:     os.Getenv("CLASSCAST_ANNOUNCED_IP"),
		ICEUsername:     os.Getenv("CLASSCAST_ICE_USERNAME"),
		ICECredential:   os.Getenv("CLASSCAST_ICE_CREDENTIAL"),
		BackendBaseURL:  os.Getenv("CLASSCAST_BACKEND_BASE_URL"),
		BackendSecret:   os.Getenv("CLASSCAST_BACKEND_SECRET"),
		TranscribeToken: os.Getenv("CLASSCAST_TRANSCRIBE_TOKEN"),
	}

	if raw := strings.TrimSpace(os.Getenv("CLASSCAST_ICE_SERVERS")); raw != "" {
		for _, entry := range strings.Split(raw, ",") {
			if entry = strings.TrimSpace(entry); entry != "" {
				cfg.ICEServers = append(cfg.ICEServers, entry)
			}
		}
	}

	var err error
	if cfg.ReadLimitBytes, err = envInt64("CLASSCAST_WS_READ_LIMIT_BYTES"); err != nil {
		return Config{}, err
	}
	if cfg.WriteTimeout, err = envDuration("CLASSCAST_WS_WRITE_TIMEOUT"); err != nil {
		return Config{}, err
	}
	if cfg.PingInterval, err = envDuration("CLASSCAST_WS_PING_INTERVAL"); err != nil {
		return Config{}, err
	}
	if cfg.PongWait, err = envDuration("CLASSCAST_WS_PONG_WAIT"); err != nil {
		return Config{}, err
	}
	if cfg.BackendTimeout, err = envDuration("CLASSCAST_BACKEND_TIMEOUT"); err != nil {
		return Config{}, err
	}
	if cfg.FatalGracePeriod, err = envDuration("CLASSCAST_FATAL_GRACE_PERIOD"); err != nil {
		return Config{}, err
	}
	if cfg.UDPPortMin, err = envPort("CLASSCAST_RTC_UDP_PORT_MIN"); err != nil {
		return Config{}, err
	}
	if cfg.UDPPortMax, err = envPort("CLASSCAST_RTC_UDP_PORT_MAX"); err != nil {
		return Config{}, err
	}
	if cfg.EventWorkers, err = envInt("CLASSCAST_EVENT_WORKERS"); err != nil {
		return Config{}, err
	}
	if cfg.MaxPeers, err = envInt("CLASSCAST_MAX_PEERS"); err != nil {
		return Config{}, err
	}
	if cfg.MaxRoomPeers, err = envInt("CLASSCAST_MAX_ROOM_PEERS"); err != nil {
		return Config{}, err
	}
	if cfg.EventQueueSize, err = envInt("CLASSCAST_EVENT_QUEUE_SIZE"); err != nil {
		return Config{}, err
	}

	defaults := Defaults()
	if err := mergo.Merge(&cfg, defaults); err != nil {
		return Config{}, fmt.Errorf("merging defaults: %w", err)
	}

	if cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait / 2
	}
	return cfg, nil
}

func envInt(key string) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid int %s=%q", key, raw)
	}
	return v, nil
}

func envInt64(key string) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid int %s=%q", key, raw)
	}
	return v, nil
}

func envPort(key string) (uint16, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %s=%q", key, raw)
	}
	return uint16(v), nil
}

func envDuration(key string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %s=%q", key, raw)
	}
	return v, nil
}
