package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// ConfigPathEnv overrides the default config file location.
const ConfigPathEnv = "COURIER_CONFIG_PATH"

// DefaultConfigPath is used when neither an explicit path nor ConfigPathEnv is given.
const DefaultConfigPath = "./config.yaml"

// Transport names accepted in Config.Transport.
const (
	TransportSMTP = "smtp"
	TransportAPI  = "api"
)

type Server struct {
	ListenAddress string `yaml:"listenAddress"`
	// RateLimit is the per-client request rate allowed on the ops endpoints.
	RateLimit float64 `yaml:"rateLimit"`
	RateBurst int     `yaml:"rateBurst"`
	// Timeouts of the ops HTTP server. Nil uses the Default* values.
	Timeouts        *ServerTimeouts `yaml:"timeouts"`
	ShutdownTimeout string          `yaml:"shutdownTimeout"`
}

// Governor holds quota and rate admission limits.
type Governor struct {
	DailyLimit int `yaml:"dailyLimit"`
	// UserLimit overrides the per-user daily limit. When zero it is derived
	// from UserShare.
	UserLimit         int           `yaml:"userLimit"`
	UserShare         float64       `yaml:"userShare"`
	RequestsPerSecond int           `yaml:"requestsPerSecond"`
	SweepInterval     time.Duration `yaml:"sweepInterval"`
	// UnitsPerMessage is the quota cost of one provider send.
	UnitsPerMessage int `yaml:"unitsPerMessage"`
	// UnitBytes is the message size covered by one UnitsPerMessage charge;
	// larger messages are charged proportionally.
	UnitBytes int `yaml:"unitBytes"`
}

type Breaker struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

type Retry struct {
	MaxRetries int           `yaml:"maxRetries"`
	BaseDelay  time.Duration `yaml:"baseDelay"`
	MaxDelay   time.Duration `yaml:"maxDelay"`
	Multiplier float64       `yaml:"multiplier"`
	// Jitter is the +/- fraction applied to each computed delay (0 disables).
	Jitter float64 `yaml:"jitter"`
	// PerIdentityRate paces attempts per sending mailbox (0 disables).
	PerIdentityRate  float64 `yaml:"perIdentityRate"`
	PerIdentityBurst int     `yaml:"perIdentityBurst"`
}

// Campaign holds the defaults used when a bulk request carries no send options.
type Campaign struct {
	BatchSize            int           `yaml:"batchSize"`
	MaxConcurrentBatches int           `yaml:"maxConcurrentBatches"`
	DelayBetweenBatches  time.Duration `yaml:"delayBetweenBatches"`
	SendConcurrency      int           `yaml:"sendConcurrency"`
	RetentionAge         time.Duration `yaml:"retentionAge"`
	CleanupInterval      time.Duration `yaml:"cleanupInterval"`
}

type Listener struct {
	MaxReconnectAttempts int           `yaml:"maxReconnectAttempts"`
	ReconnectDelay       time.Duration `yaml:"reconnectDelay"`
	IdleRefresh          time.Duration `yaml:"idleRefresh"`
	IdlePause            time.Duration `yaml:"idlePause"`
	Mailbox              string        `yaml:"mailbox"`
	// EnvelopeLimit caps how many envelopes the default ingestor fetches per signal.
	EnvelopeLimit int `yaml:"envelopeLimit"`
}

type SMTP struct {
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	Username            string `yaml:"username"`
	Password            string `yaml:"password"`
	PasswordFromKeyring bool   `yaml:"passwordFromKeyring"`
	SSL                 bool   `yaml:"ssl"`
	InsecureSkipVerify  bool   `yaml:"insecureSkipVerify"`
	LocalName           string `yaml:"localName"`
}

// ProviderAPI configures the REST send transport.
type ProviderAPI struct {
	BaseURL          string        `yaml:"baseURL"`
	Timeout          time.Duration `yaml:"timeout"`
	AccessToken      string        `yaml:"accessToken"`
	TokenFromKeyring bool          `yaml:"tokenFromKeyring"`
}

type KafkaSASL struct {
	Mechanism string `yaml:"mechanism"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

type Kafka struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchSize    int           `yaml:"batchSize"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	RequiredAcks int           `yaml:"requiredAcks"`
	Compression  string        `yaml:"compression"`
	TLS          bool          `yaml:"tls"`
	SASL         *KafkaSASL    `yaml:"sasl"`
}

type Notification struct {
	// DisableLog turns off the structured log sink.
	DisableLog bool  `yaml:"disableLog"`
	Kafka      Kafka `yaml:"kafka"`
}

type IMAP struct {
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	StartTLS            bool   `yaml:"startTLS"`
	InsecureSkipVerify  bool   `yaml:"insecureSkipVerify"`
	Username            string `yaml:"username"`
	Password            string `yaml:"password"`
	PasswordFromKeyring bool   `yaml:"passwordFromKeyring"`
	AccessToken         string `yaml:"accessToken"`
	Mailbox             string `yaml:"mailbox"`
}

// Account is a monitored mailbox.
type Account struct {
	ID       string `yaml:"id"`
	UserID   string `yaml:"userID"`
	Provider string `yaml:"provider"`
	// Active defaults to true when omitted.
	Active *bool `yaml:"active"`
	IMAP   IMAP  `yaml:"imap"`
}

// IsActive reports whether the account should be monitored.
func (a Account) IsActive() bool {
	return a.Active == nil || *a.Active
}

type Config struct {
	Server       Server       `yaml:"server"`
	Transport    string       `yaml:"transport"`
	Governor     Governor     `yaml:"governor"`
	Breaker      Breaker      `yaml:"breaker"`
	Retry        Retry        `yaml:"retry"`
	Campaign     Campaign     `yaml:"campaign"`
	Listener     Listener     `yaml:"listener"`
	SMTP         SMTP         `yaml:"smtp"`
	API          ProviderAPI  `yaml:"api"`
	Notification Notification `yaml:"notification"`
	Accounts     []Account    `yaml:"accounts"`
}

// Load loads the courier configuration from a file path.
// If configPath is empty, COURIER_CONFIG_PATH is consulted, then "./config.yaml".
// Defaults are applied and the result is validated before it is returned.
func Load(configPath ...string) (Config, error) {
	path := DefaultConfigPath
	if env := os.Getenv(ConfigPathEnv); env != "" {
		path = env
	}
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	var config Config

	content, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("trying to open courier config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(content, &config); err != nil {
		return config, fmt.Errorf("error unmarshaling YAML %s: %w", path, err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return config, fmt.Errorf("invalid courier config %s: %w", path, err)
	}
	return config, nil
}

// ApplyDefaults fills every zero-valued tunable with its default.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":8080"
	}
	if c.Server.RateLimit <= 0 {
		c.Server.RateLimit = 20
	}
	if c.Server.RateBurst <= 0 {
		c.Server.RateBurst = 50
	}
	if c.Transport == "" {
		c.Transport = TransportSMTP
	}

	g := &c.Governor
	if g.DailyLimit <= 0 {
		g.DailyLimit = 10000
	}
	if g.UserShare <= 0 || g.UserShare > 1 {
		g.UserShare = 0.25
	}
	if g.RequestsPerSecond <= 0 {
		g.RequestsPerSecond = 10
	}
	if g.SweepInterval <= 0 {
		g.SweepInterval = 5 * time.Minute
	}
	if g.UnitsPerMessage <= 0 {
		g.UnitsPerMessage = 1
	}
	if g.UnitBytes <= 0 {
		g.UnitBytes = 1 << 20
	}

	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.Cooldown <= 0 {
		c.Breaker.Cooldown = time.Minute
	}

	r := &c.Retry
	if r.MaxRetries < 0 {
		r.MaxRetries = 0
	} else if r.MaxRetries == 0 {
		r.MaxRetries = 3
	}
	if r.BaseDelay <= 0 {
		r.BaseDelay = time.Second
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = 30 * time.Second
	}
	if r.Multiplier < 1 {
		r.Multiplier = 2
	}
	if r.Jitter < 0 || r.Jitter >= 1 {
		r.Jitter = 0
	}
	if r.PerIdentityRate > 0 && r.PerIdentityBurst <= 0 {
		r.PerIdentityBurst = 1
	}

	cp := &c.Campaign
	if cp.BatchSize <= 0 {
		cp.BatchSize = 50
	}
	if cp.MaxConcurrentBatches <= 0 {
		cp.MaxConcurrentBatches = 3
	}
	if cp.DelayBetweenBatches < 0 {
		cp.DelayBetweenBatches = 0
	}
	if cp.SendConcurrency <= 0 {
		cp.SendConcurrency = 10
	}
	if cp.RetentionAge <= 0 {
		cp.RetentionAge = 24 * time.Hour
	}
	if cp.CleanupInterval <= 0 {
		cp.CleanupInterval = time.Hour
	}

	l := &c.Listener
	if l.MaxReconnectAttempts <= 0 {
		l.MaxReconnectAttempts = 5
	}
	if l.ReconnectDelay <= 0 {
		l.ReconnectDelay = 5 * time.Second
	}
	if l.IdleRefresh <= 0 {
		l.IdleRefresh = 25 * time.Minute
	}
	if l.IdlePause <= 0 {
		l.IdlePause = time.Second
	}
	if l.Mailbox == "" {
		l.Mailbox = "INBOX"
	}
	if l.EnvelopeLimit <= 0 {
		l.EnvelopeLimit = 50
	}

	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.API.Timeout <= 0 {
		c.API.Timeout = 30 * time.Second
	}

	k := &c.Notification.Kafka
	if k.BatchSize <= 0 {
		k.BatchSize = 100
	}
	if k.BatchTimeout <= 0 {
		k.BatchTimeout = time.Second
	}
	if k.WriteTimeout <= 0 {
		k.WriteTimeout = 10 * time.Second
	}

	for i := range c.Accounts {
		a := &c.Accounts[i]
		if a.IMAP.Port == 0 {
			a.IMAP.Port = 993
		}
		if a.IMAP.Mailbox == "" {
			a.IMAP.Mailbox = l.Mailbox
		}
	}
}

// Validate reports configuration errors that defaults cannot repair.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportSMTP:
		if c.SMTP.Host == "" {
			return fmt.Errorf("smtp.host is required for transport %q", c.Transport)
		}
	case TransportAPI:
		if c.API.BaseURL == "" {
			return fmt.Errorf("api.baseURL is required for transport %q", c.Transport)
		}
	default:
		return fmt.Errorf("unknown transport %q (want %q or %q)", c.Transport, TransportSMTP, TransportAPI)
	}

	if c.Governor.UserLimit > c.Governor.DailyLimit {
		return fmt.Errorf("governor.userLimit (%d) exceeds governor.dailyLimit (%d)", c.Governor.UserLimit, c.Governor.DailyLimit)
	}

	if c.Notification.Kafka.Enabled {
		if len(c.Notification.Kafka.Brokers) == 0 {
			return fmt.Errorf("notification.kafka.brokers is required when kafka is enabled")
		}
		if c.Notification.Kafka.Topic == "" {
			return fmt.Errorf("notification.kafka.topic is required when kafka is enabled")
		}
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("accounts[%d].id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate account id %q", a.ID)
		}
		seen[a.ID] = true
		if a.IMAP.Host == "" {
			return fmt.Errorf("accounts[%d] (%s): imap.host is required", i, a.ID)
		}
		if a.IMAP.Username == "" {
			return fmt.Errorf("accounts[%d] (%s): imap.username is required", i, a.ID)
		}
	}
	return nil
}

// EffectiveUserLimit returns the per-user daily limit after applying UserShare.
func (g Governor) EffectiveUserLimit() int {
	if g.UserLimit > 0 {
		return g.UserLimit
	}
	return int(float64(g.DailyLimit) * g.UserShare)
}
