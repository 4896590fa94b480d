package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ghettovoice/gosip/log"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/sip4k/sipbot/pkg/message"
	"github.com/sip4k/sipbot/pkg/rtp"
	"github.com/sip4k/sipbot/pkg/utils"
)

const (
	DefaultServerPort       = 5060
	DefaultSipTimeout       = 60 * time.Second
	DefaultRegisterInterval = 20 * time.Second
	DefaultPhraseDelay      = 2 * time.Second
)

var ErrCouldNotParseConfig = errors.New("could not parse config")

type Config struct {
	ServerHost string `yaml:"server_host"` // required (env SIP_SERVER_HOST)
	ServerPort int    `yaml:"server_port"` // env SIP_SERVER_PORT
	LocalHost  string `yaml:"local_host"`  // env SIP_LOCAL_HOST, first ipv4 of Interface when empty
	LocalPort  int    `yaml:"local_port"`  // env SIP_LOCAL_PORT, 0 picks a free port
	Interface  string `yaml:"interface"`

	Login       string `yaml:"login"`    // required (env LOGIN)
	Password    string `yaml:"password"` // env PASSWORD
	DisplayName string `yaml:"display_name"`

	RTPPortLow  int `yaml:"rtp_port_low"`  // env RTP_PORT_LOW
	RTPPortHigh int `yaml:"rtp_port_high"` // env RTP_PORT_HIGH

	SipTimeout       time.Duration `yaml:"sip_timeout"`        // env SIP_TIMEOUT
	RegisterInterval time.Duration `yaml:"register_interval"`  // env REGISTER_INTERVAL
	RegisterExpires  uint32        `yaml:"register_expires"`
	UserAgent        string        `yaml:"user_agent"`
	FrameInterval    time.Duration `yaml:"frame_interval"`
	PhraseDelay      time.Duration `yaml:"phrase_delay"`

	LogLevel    string `yaml:"log_level"` // env LOG_LEVEL
	MetricsAddr string `yaml:"metrics_addr"`
	DNS         string `yaml:"dns"`
}

// Default returns a config with every optional field set.
func Default() *Config {
	return &Config{
		ServerPort:       DefaultServerPort,
		RTPPortLow:       rtp.DefaultPortMin,
		RTPPortHigh:      rtp.DefaultPortMax,
		SipTimeout:       DefaultSipTimeout,
		RegisterInterval: DefaultRegisterInterval,
		RegisterExpires:  message.DefaultExpires,
		UserAgent:        message.DefaultUserAgent,
		FrameInterval:    rtp.DefaultFrameInterval,
		PhraseDelay:      DefaultPhraseDelay,
		LogLevel:         "info",
	}
}

// NewConfig layers defaults, the yaml document confString and the process
// environment, in that order.
func NewConfig(confString string) (*Config, error) {
	conf := Default()
	if confString != "" {
		if err := yaml.Unmarshal([]byte(confString), conf); err != nil {
			return nil, errors.Wrap(ErrCouldNotParseConfig, err.Error())
		}
	}
	if err := conf.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	conf.splitServerHost()
	return conf, nil
}

// splitServerHost moves a port given with the host, as in
// SIP_SERVER_HOST=pbx.local:5080, to ServerPort.
func (c *Config) splitServerHost() {
	host := utils.GetIP(c.ServerHost)
	if host == "" {
		return
	}
	if port := utils.StrToUint16(utils.GetPort(c.ServerHost)); port != 0 {
		c.ServerPort = int(port)
	}
	c.ServerHost = host
}

// LoadEnvFiles reads .env style files into the process environment.
// Variables already set win. Missing files are skipped.
func LoadEnvFiles(files ...string) error {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// ApplyEnv overrides fields from environment variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		if v, ok := lookup(name); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return errors.Wrapf(err, "env %s", name)
			}
			*dst = n
		}
		return nil
	}
	dur := func(name string, dst *time.Duration) error {
		if v, ok := lookup(name); ok && v != "" {
			d, err := parseDuration(v)
			if err != nil {
				return errors.Wrapf(err, "env %s", name)
			}
			*dst = d
		}
		return nil
	}

	str("SIP_SERVER_HOST", &c.ServerHost)
	str("SIP_LOCAL_HOST", &c.LocalHost)
	str("LOGIN", &c.Login)
	str("PASSWORD", &c.Password)
	str("LOG_LEVEL", &c.LogLevel)
	for name, dst := range map[string]*int{
		"SIP_SERVER_PORT": &c.ServerPort,
		"SIP_LOCAL_PORT":  &c.LocalPort,
		"RTP_PORT_LOW":    &c.RTPPortLow,
		"RTP_PORT_HIGH":   &c.RTPPortHigh,
	} {
		if err := num(name, dst); err != nil {
			return err
		}
	}
	if err := dur("SIP_TIMEOUT", &c.SipTimeout); err != nil {
		return err
	}
	return dur("REGISTER_INTERVAL", &c.RegisterInterval)
}

// parseDuration accepts Go durations and bare milliseconds.
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

// Validate checks required fields and the RTP port range.
func (c *Config) Validate() error {
	if c.ServerHost == "" {
		return errors.New("server_host is required")
	}
	if c.Login == "" {
		return errors.New("login is required")
	}
	if c.ServerPort <= 0 || c.ServerPort > 0xFFFF {
		return errors.Errorf("invalid server_port %d", c.ServerPort)
	}
	if c.LocalPort < 0 || c.LocalPort > 0xFFFF {
		return errors.Errorf("invalid local_port %d", c.LocalPort)
	}
	if c.RTPPortLow <= 0 || c.RTPPortHigh > 0xFFFF || c.RTPPortLow > c.RTPPortHigh {
		return errors.Errorf("invalid rtp port range [%d, %d]", c.RTPPortLow, c.RTPPortHigh)
	}
	if c.RTPPortLow%2 != 0 && c.RTPPortLow == c.RTPPortHigh {
		return errors.Errorf("rtp port range [%d, %d] has no even port", c.RTPPortLow, c.RTPPortHigh)
	}
	if _, err := utils.ParseLogLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log_level")
	}
	return nil
}

// ResolveLocalHost fills LocalHost from the configured interface when it
// is not set.
func (c *Config) ResolveLocalHost() error {
	if c.LocalHost != "" {
		return nil
	}
	ip, err := utils.LocalIP(c.Interface)
	if err != nil {
		return errors.Wrap(err, "discover local address")
	}
	c.LocalHost = ip
	return nil
}

// Level is the parsed log level.
func (c *Config) Level() log.Level {
	lvl, _ := utils.ParseLogLevel(c.LogLevel)
	return lvl
}
