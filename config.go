package ratelimit

import (
	"fmt"
	"time"

	"github.com/acronis/go-appkit/config"
	"github.com/mitchellh/mapstructure"
)

const cfgDefaultKeyPrefix = "rateLimit"

const (
	cfgKeyStoreURL      = "store.url"
	cfgKeyStoreAddress  = "store.address"
	cfgKeyStorePassword = "store.password"
	cfgKeyStoreDatabase = "store.database"
	cfgKeyStoreTimeout  = "store.timeout"

	cfgKeyPolicies = "policies"

	cfgKeyAutoBanThreshold = "autoBan.threshold"
	cfgKeyAutoBanWindow    = "autoBan.window"
	cfgKeyAutoBanDuration  = "autoBan.banFor"

	cfgKeyAdjustMemoryThreshold    = "adjust.memoryThreshold"
	cfgKeyAdjustGoroutineThreshold = "adjust.goroutineThreshold"
	cfgKeyAdjustFactor             = "adjust.factor"

	cfgKeyBehaviorBurstGap        = "behavior.burstGap"
	cfgKeyBehaviorMediumThreshold = "behavior.mediumRiskThreshold"
	cfgKeyBehaviorHighThreshold   = "behavior.highRiskThreshold"
)

const (
	defaultStoreAddress = "127.0.0.1:6379"
	defaultStoreTimeout = 2 * time.Second
	defaultBanThreshold = 10
	defaultBanWindow    = 5 * time.Minute
	defaultBanDuration  = 30 * time.Minute
	defaultMemThreshold = 0.85
	defaultGorThreshold = 10000
	defaultAdjustFactor = 0.5
	defaultBurstGap     = 100 * time.Millisecond
	defaultMediumScore  = 3
	defaultHighScore    = 6
)

// StoreConfig holds connection parameters for the shared counter store.
// Either URL or the address tuple may be used; URL wins when both are set.
type StoreConfig struct {
	URL      string        `mapstructure:"url" yaml:"url" json:"url"`
	Address  string        `mapstructure:"address" yaml:"address" json:"address"`
	Password string        `mapstructure:"password" yaml:"password" json:"password"`
	Database int           `mapstructure:"database" yaml:"database" json:"database"`
	Timeout  time.Duration `mapstructure:"-" yaml:"-" json:"-"`
}

// PolicyConfig is the on-disk shape of a single named policy.
type PolicyConfig struct {
	Algorithm         string              `mapstructure:"algorithm" yaml:"algorithm" json:"algorithm"`
	Window            config.TimeDuration `mapstructure:"window" yaml:"window" json:"window"`
	MaxRequests       uint64              `mapstructure:"maxRequests" yaml:"maxRequests" json:"maxRequests"`
	RefillPeriod      config.TimeDuration `mapstructure:"refillPeriod" yaml:"refillPeriod" json:"refillPeriod"`
	RefillAmount      uint64              `mapstructure:"refillAmount" yaml:"refillAmount" json:"refillAmount"`
	BackoffBase       config.TimeDuration `mapstructure:"backoffBase" yaml:"backoffBase" json:"backoffBase"`
	BackoffMultiplier float64             `mapstructure:"backoffMultiplier" yaml:"backoffMultiplier" json:"backoffMultiplier"`
}

// AutoBanConfig controls automatic deny-listing of clients that keep hitting
// their limits.
type AutoBanConfig struct {
	Threshold int
	Window    time.Duration
	BanFor    time.Duration
}

// AdjustConfig holds thresholds for dynamic limit scaling under resource
// pressure.
type AdjustConfig struct {
	MemoryThreshold    float64
	GoroutineThreshold int
	Factor             float64
}

// BehaviorConfig holds the knobs for behavioral risk scoring.
type BehaviorConfig struct {
	BurstGap            time.Duration
	MediumRiskThreshold int
	HighRiskThreshold   int
}

// Config represents the full configuration of the throttling layer.
// Configuration can be loaded in different formats (YAML, JSON) using
// config.Loader, or filled directly in code.
type Config struct {
	Store    StoreConfig
	Policies map[string]PolicyConfig
	AutoBan  AutoBanConfig
	Adjust   AdjustConfig
	Behavior BehaviorConfig

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// NewConfig creates a new instance of the Config.
func NewConfig() *Config {
	return &Config{keyPrefix: cfgDefaultKeyPrefix}
}

// KeyPrefix returns a key prefix with which all configuration parameters
// should be presented. Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyStoreAddress, defaultStoreAddress)
	dp.SetDefault(cfgKeyStoreTimeout, defaultStoreTimeout)

	dp.SetDefault(cfgKeyAutoBanThreshold, defaultBanThreshold)
	dp.SetDefault(cfgKeyAutoBanWindow, defaultBanWindow)
	dp.SetDefault(cfgKeyAutoBanDuration, defaultBanDuration)

	dp.SetDefault(cfgKeyAdjustMemoryThreshold, defaultMemThreshold)
	dp.SetDefault(cfgKeyAdjustGoroutineThreshold, defaultGorThreshold)
	dp.SetDefault(cfgKeyAdjustFactor, defaultAdjustFactor)

	dp.SetDefault(cfgKeyBehaviorBurstGap, defaultBurstGap)
	dp.SetDefault(cfgKeyBehaviorMediumThreshold, defaultMediumScore)
	dp.SetDefault(cfgKeyBehaviorHighThreshold, defaultHighScore)
}

// Set sets configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	if c.Store.URL, err = dp.GetString(cfgKeyStoreURL); err != nil {
		return err
	}
	if c.Store.Address, err = dp.GetString(cfgKeyStoreAddress); err != nil {
		return err
	}
	if c.Store.Password, err = dp.GetString(cfgKeyStorePassword); err != nil {
		return err
	}
	if c.Store.Database, err = dp.GetInt(cfgKeyStoreDatabase); err != nil {
		return err
	}
	if c.Store.Timeout, err = dp.GetDuration(cfgKeyStoreTimeout); err != nil {
		return err
	}

	if err = dp.UnmarshalKey(cfgKeyPolicies, &c.Policies, func(dc *mapstructure.DecoderConfig) {
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
		)
	}); err != nil {
		return dp.WrapKeyErr(cfgKeyPolicies, err)
	}

	if c.AutoBan.Threshold, err = dp.GetInt(cfgKeyAutoBanThreshold); err != nil {
		return err
	}
	if c.AutoBan.Window, err = dp.GetDuration(cfgKeyAutoBanWindow); err != nil {
		return err
	}
	if c.AutoBan.BanFor, err = dp.GetDuration(cfgKeyAutoBanDuration); err != nil {
		return err
	}

	if c.Adjust.MemoryThreshold, err = dp.GetFloat64(cfgKeyAdjustMemoryThreshold); err != nil {
		return err
	}
	if c.Adjust.GoroutineThreshold, err = dp.GetInt(cfgKeyAdjustGoroutineThreshold); err != nil {
		return err
	}
	if c.Adjust.Factor, err = dp.GetFloat64(cfgKeyAdjustFactor); err != nil {
		return err
	}
	if c.Adjust.Factor <= 0 || c.Adjust.Factor > 1 {
		return dp.WrapKeyErr(cfgKeyAdjustFactor, fmt.Errorf("factor must be in (0, 1], limits are never scaled up"))
	}

	if c.Behavior.BurstGap, err = dp.GetDuration(cfgKeyBehaviorBurstGap); err != nil {
		return err
	}
	if c.Behavior.MediumRiskThreshold, err = dp.GetInt(cfgKeyBehaviorMediumThreshold); err != nil {
		return err
	}
	if c.Behavior.HighRiskThreshold, err = dp.GetInt(cfgKeyBehaviorHighThreshold); err != nil {
		return err
	}

	return nil
}

// BuildPolicies converts the on-disk policy definitions into validated Policy
// values. A malformed policy is a startup error.
func (c *Config) BuildPolicies() ([]Policy, error) {
	policies := make([]Policy, 0, len(c.Policies))
	for name, pc := range c.Policies {
		p := Policy{
			Name:              name,
			Algorithm:         pc.Algorithm,
			Window:            time.Duration(pc.Window),
			MaxRequests:       pc.MaxRequests,
			RefillPeriod:      time.Duration(pc.RefillPeriod),
			RefillAmount:      pc.RefillAmount,
			BackoffBase:       time.Duration(pc.BackoffBase),
			BackoffMultiplier: pc.BackoffMultiplier,
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, nil
}
