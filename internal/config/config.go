// Package config implements the TOML configuration for whitenoise.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/aljazceru/whitenoise-cli/internal/domain"
)

const (
	defaultLogLevel         = "NOTICE"
	defaultDataDirName      = ".whitenoise"
	defaultPublishSecs      = 10
	defaultFetchSecs        = 15
	defaultDialSecs         = 5
	defaultRetainEpochs     = 5
	defaultRotateDays       = 30
	defaultFailureThreshold = 3
	defaultCooldownSecs     = 30
)

// DefaultRelays are used when the config file names no relays at all. Each
// serves every role until the user publishes dedicated relay lists.
var DefaultRelays = []string{
	"wss://relay.damus.io",
	"wss://relay.primal.net",
	"wss://nos.lol",
}

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stderr will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Relay configures one relay endpoint and the roles it serves.
type Relay struct {
	// URL is the websocket endpoint, ws:// or wss://.
	URL string

	// Roles lists the duties this relay serves: "general", "inbox",
	// "keypackage". An empty list means all three.
	Roles []string
}

func (r *Relay) validate() error {
	u, err := url.Parse(r.URL)
	if err != nil {
		return fmt.Errorf("config: Relay: URL '%v' is invalid: %v", r.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("config: Relay: URL '%v' must be ws:// or wss://", r.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("config: Relay: URL '%v' has no host", r.URL)
	}
	for _, role := range r.Roles {
		switch strings.ToLower(role) {
		case "general", "inbox", "keypackage":
		default:
			return fmt.Errorf("config: Relay: role '%v' is invalid", role)
		}
	}
	return nil
}

// RoleSet returns the configured roles as a bitset.
func (r *Relay) RoleSet() domain.RelayRole {
	if len(r.Roles) == 0 {
		return domain.RoleAll
	}
	var set domain.RelayRole
	for _, role := range r.Roles {
		switch strings.ToLower(role) {
		case "general":
			set |= domain.RoleGeneral
		case "inbox":
			set |= domain.RoleInbox
		case "keypackage":
			set |= domain.RoleKeyPackage
		}
	}
	return set
}

// Timeouts bounds relay I/O. All values are in seconds.
type Timeouts struct {
	// Dial bounds the websocket connect handshake per relay.
	Dial int

	// Publish bounds one publish across all relays.
	Publish int

	// Fetch bounds one query across all relays.
	Fetch int
}

func (t *Timeouts) fixup() {
	if t.Dial == 0 {
		t.Dial = defaultDialSecs
	}
	if t.Publish == 0 {
		t.Publish = defaultPublishSecs
	}
	if t.Fetch == 0 {
		t.Fetch = defaultFetchSecs
	}
}

func (t *Timeouts) validate() error {
	if t.Dial < 0 || t.Publish < 0 || t.Fetch < 0 {
		return fmt.Errorf("config: Timeouts: values must be positive")
	}
	return nil
}

// Retry tunes relay failure handling.
type Retry struct {
	// FailureThreshold is how many consecutive failures mark a relay
	// unhealthy.
	FailureThreshold int

	// CooldownSecs is how long an unhealthy relay sits out before it is
	// probed again, in seconds.
	CooldownSecs int
}

func (r *Retry) fixup() {
	if r.FailureThreshold == 0 {
		r.FailureThreshold = defaultFailureThreshold
	}
	if r.CooldownSecs == 0 {
		r.CooldownSecs = defaultCooldownSecs
	}
}

func (r *Retry) validate() error {
	if r.FailureThreshold < 1 {
		return fmt.Errorf("config: Retry: FailureThreshold must be at least 1")
	}
	if r.CooldownSecs < 1 {
		return fmt.Errorf("config: Retry: CooldownSecs must be at least 1")
	}
	return nil
}

// Secrets tunes how much key-schedule history each group retains.
type Secrets struct {
	// RetainEpochs is how many past epoch secrets are kept for decrypting
	// stragglers. Older secrets are discarded.
	RetainEpochs int
}

func (s *Secrets) fixup() {
	if s.RetainEpochs == 0 {
		s.RetainEpochs = defaultRetainEpochs
	}
}

func (s *Secrets) validate() error {
	if s.RetainEpochs < 1 {
		return fmt.Errorf("config: Secrets: RetainEpochs must be at least 1")
	}
	return nil
}

// KeyPackages tunes published joining credentials.
type KeyPackages struct {
	// RotateDays is the advertised lifetime of a published key package.
	RotateDays int
}

func (k *KeyPackages) fixup() {
	if k.RotateDays == 0 {
		k.RotateDays = defaultRotateDays
	}
}

func (k *KeyPackages) validate() error {
	if k.RotateDays < 1 {
		return fmt.Errorf("config: KeyPackages: RotateDays must be at least 1")
	}
	return nil
}

// Config is the top-level configuration.
type Config struct {
	// DataDir is where account, contact and group state lives. Defaults to
	// ~/.whitenoise; relative paths are made absolute.
	DataDir string

	Logging     *Logging
	Relays      []*Relay `toml:"Relay"`
	Timeouts    *Timeouts
	Retry       *Retry
	Secrets     *Secrets
	KeyPackages *KeyPackages
}

// RelayRecords returns the configured relays as transport records.
func (c *Config) RelayRecords() []domain.RelayRecord {
	out := make([]domain.RelayRecord, 0, len(c.Relays))
	for _, r := range c.Relays {
		out = append(out, domain.RelayRecord{URL: r.URL, Roles: r.RoleSet()})
	}
	return out
}

// FixupAndValidate applies defaults to config entries and validates the
// result.
func (c *Config) FixupAndValidate() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("config: DataDir unset and no home directory: %v", err)
		}
		c.DataDir = filepath.Join(home, defaultDataDirName)
	}
	if !filepath.IsAbs(c.DataDir) {
		abs, err := filepath.Abs(c.DataDir)
		if err != nil {
			return fmt.Errorf("config: DataDir '%v' is invalid: %v", c.DataDir, err)
		}
		c.DataDir = abs
	}

	if c.Logging == nil {
		c.Logging = &defaultLogging
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}

	if len(c.Relays) == 0 {
		for _, u := range DefaultRelays {
			c.Relays = append(c.Relays, &Relay{URL: u})
		}
	}
	for _, r := range c.Relays {
		if err := r.validate(); err != nil {
			return err
		}
	}

	if c.Timeouts == nil {
		c.Timeouts = &Timeouts{}
	}
	c.Timeouts.fixup()
	if err := c.Timeouts.validate(); err != nil {
		return err
	}

	if c.Retry == nil {
		c.Retry = &Retry{}
	}
	c.Retry.fixup()
	if err := c.Retry.validate(); err != nil {
		return err
	}

	if c.Secrets == nil {
		c.Secrets = &Secrets{}
	}
	c.Secrets.fixup()
	if err := c.Secrets.validate(); err != nil {
		return err
	}

	if c.KeyPackages == nil {
		c.KeyPackages = &KeyPackages{}
	}
	c.KeyPackages.fixup()
	return c.KeyPackages.validate()
}

// Load parses and validates a config from b.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the config file at f. A missing file
// yields the defaults.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if os.IsNotExist(err) {
		b = nil
	} else if err != nil {
		return nil, err
	}
	return Load(b)
}
