// Package config holds the mirror definitions loaded from the configuration
// file and turns them into the applicable mirror.Configuration of each
// repository.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/utilitywarehouse/mirror-sync/giturl"
	"github.com/utilitywarehouse/mirror-sync/gitsync"
	"github.com/utilitywarehouse/mirror-sync/mirror"
)

const DefaultInterval = 5 * time.Minute

// Config is the content of the configuration file
type Config struct {
	// Git holds service level settings of the git syncer. Changes are only
	// applied on restart.
	Git     gitsync.Config `yaml:"git"`
	Global  GlobalConfig   `yaml:"global"`
	Mirrors []MirrorConfig `yaml:"mirrors"`
}

// GlobalConfig applies to all mirrors
type GlobalConfig struct {
	// HTTPSOnly rejects mirrors whose url isn't https
	HTTPSOnly bool `yaml:"https_only"`
	// DisableRepositoryFilterOverwrite forces global filter on every mirror
	DisableRepositoryFilterOverwrite bool `yaml:"disable_repository_filter_overwrite"`
	// Interval is the default sync period
	Interval time.Duration `yaml:"interval"`
	// Admins may read logs and trigger syncs of every mirror
	Admins []string `yaml:"admins"`
	// Filter is used by all mirrors which don't overwrite it
	Filter FilterConfig `yaml:"filter"`
	// NotificationURL receives status changes of all mirrors
	NotificationURL string `yaml:"notification_url"`
}

// FilterConfig decides which updates are applied to a mirror
type FilterConfig struct {
	Patterns        []string    `yaml:"patterns"`
	Verification    string      `yaml:"verification"`
	TrustedKeys     []KeyConfig `yaml:"trusted_keys"`
	FastForwardOnly bool        `yaml:"fast_forward_only"`
}

// KeyConfig is an ASCII armored public key
type KeyConfig struct {
	Name string `yaml:"name"`
	Raw  string `yaml:"raw"`
}

// MirrorConfig is the definition of a single mirrored repository
type MirrorConfig struct {
	ID            string        `yaml:"id"`
	URL           string        `yaml:"url"`
	Interval      time.Duration `yaml:"interval"`
	ManagingUsers []string      `yaml:"managing_users"`
	Auth          AuthConfig    `yaml:"auth"`
	Proxy         *ProxyConfig  `yaml:"proxy"`

	OverwriteGlobalFilter bool         `yaml:"overwrite_global_filter"`
	Filter                FilterConfig `yaml:"filter"`
	IgnoreLFS             bool         `yaml:"ignore_lfs"`
}

// AuthConfig holds credentials of a mirror
type AuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// path to PKCS#12 client certificate
	CertificatePath     string `yaml:"certificate_path"`
	CertificatePassword string `yaml:"certificate_password"`
}

// ProxyConfig is the http proxy used to reach the remote
type ProxyConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ValidateAndApplyDefaults validates config and sets defaults for empty fields.
// all errors are collected and returned together.
func (c *Config) ValidateAndApplyDefaults() error {
	var errs []error

	if c.Global.Interval == 0 {
		c.Global.Interval = DefaultInterval
	}
	if c.Global.Interval < mirror.MinSyncPeriod {
		errs = append(errs, fmt.Errorf("global interval must be at least %s", mirror.MinSyncPeriod))
	}
	if err := c.Global.Filter.validate(); err != nil {
		errs = append(errs, fmt.Errorf("global filter: %w", err))
	}

	ids := make(map[string]struct{})
	// mirror ids with the same local dir would overwrite each other's refs
	dirs := make(map[string]string)
	for i := range c.Mirrors {
		m := &c.Mirrors[i]
		m.ID = strings.TrimSpace(m.ID)
		if m.ID == "" {
			errs = append(errs, fmt.Errorf("mirror[%d]: id is required", i))
			continue
		}
		if _, ok := ids[m.ID]; ok {
			errs = append(errs, fmt.Errorf("mirror %s: duplicate id", m.ID))
			continue
		}
		ids[m.ID] = struct{}{}

		dir, err := gitsync.DirName(m.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("mirror %s: %w", m.ID, err))
			continue
		}
		if other, ok := dirs[dir]; ok {
			errs = append(errs, fmt.Errorf("mirror %s: id maps to the same local dir %q as %s", m.ID, dir, other))
			continue
		}
		dirs[dir] = m.ID

		if m.Interval == 0 {
			m.Interval = c.Global.Interval
		}
		if err := m.validate(c.Global); err != nil {
			errs = append(errs, fmt.Errorf("mirror %s: %w", m.ID, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (m *MirrorConfig) validate(global GlobalConfig) error {
	if m.URL == "" {
		return fmt.Errorf("url is required")
	}
	if _, err := giturl.Parse(m.URL); err != nil {
		return err
	}
	if global.HTTPSOnly && !giturl.IsSecure(m.URL) {
		return mirror.ErrInsecureConnection
	}
	if m.Interval < mirror.MinSyncPeriod {
		return fmt.Errorf("interval must be at least %s", mirror.MinSyncPeriod)
	}
	if m.Auth.CertificatePath != "" {
		if _, err := os.Stat(m.Auth.CertificatePath); err != nil {
			return fmt.Errorf("unable to read certificate err:%w", err)
		}
	}
	if m.Proxy != nil && m.Proxy.Host == "" {
		return fmt.Errorf("proxy host is required")
	}
	if m.OverwriteGlobalFilter {
		if err := m.Filter.validate(); err != nil {
			return fmt.Errorf("filter: %w", err)
		}
	}
	return nil
}

func (f FilterConfig) validate() error {
	mode, err := mirror.ParseVerificationMode(f.Verification)
	if err != nil {
		return err
	}
	for _, p := range f.Patterns {
		if _, err := glob.Compile(strings.TrimSpace(p)); err != nil {
			return fmt.Errorf("invalid pattern %q err:%w", p, err)
		}
	}
	if mode == mirror.VerificationKeyList && len(f.TrustedKeys) == 0 {
		return fmt.Errorf("trusted keys are required for %s verification", mode)
	}
	return nil
}

func (f FilterConfig) apply(conf *mirror.Configuration) {
	// already validated
	mode, _ := mirror.ParseVerificationMode(f.Verification)

	conf.Patterns = append([]string(nil), f.Patterns...)
	conf.Verification = mode
	conf.FastForwardOnly = f.FastForwardOnly
	conf.TrustedKeys = nil
	for _, k := range f.TrustedKeys {
		conf.TrustedKeys = append(conf.TrustedKeys, mirror.RawKey{DisplayName: k.Name, Raw: k.Raw})
	}
}

// IDs returns ids of all configured mirrors
func (c *Config) IDs() []string {
	ids := make([]string, 0, len(c.Mirrors))
	for _, m := range c.Mirrors {
		ids = append(ids, m.ID)
	}
	return ids
}

// Mirror returns mirror definition of the given id
func (c *Config) Mirror(id string) (MirrorConfig, bool) {
	for _, m := range c.Mirrors {
		if m.ID == id {
			return m, true
		}
	}
	return MirrorConfig{}, false
}

// Applicable returns effective configuration of the mirror. The global filter
// is used unless the mirror overwrites it and overwriting is allowed. https_only
// is always taken from global config.
func (c *Config) Applicable(id string) (mirror.Configuration, error) {
	m, ok := c.Mirror(id)
	if !ok {
		return mirror.Configuration{}, mirror.ErrNotConfigured
	}

	conf := mirror.Configuration{
		RepositoryID:  m.ID,
		URL:           m.URL,
		SyncPeriod:    m.Interval,
		ManagingUsers: append([]string(nil), m.ManagingUsers...),
		IgnoreLFS:     m.IgnoreLFS,
		HTTPSOnly:     c.Global.HTTPSOnly,
	}

	if m.Auth.Username != "" || m.Auth.Password != "" {
		conf.Credentials.UsernamePassword = &mirror.UsernamePassword{
			Username: m.Auth.Username,
			Password: m.Auth.Password,
		}
	}
	if m.Auth.CertificatePath != "" {
		data, err := os.ReadFile(m.Auth.CertificatePath)
		if err != nil {
			return mirror.Configuration{}, fmt.Errorf("unable to read certificate err:%w", err)
		}
		conf.Credentials.Certificate = &mirror.Certificate{
			Data:     data,
			Password: m.Auth.CertificatePassword,
		}
	}
	if m.Proxy != nil {
		conf.Proxy = &mirror.Proxy{
			Host:     m.Proxy.Host,
			Port:     m.Proxy.Port,
			Username: m.Proxy.Username,
			Password: m.Proxy.Password,
		}
	}

	if m.OverwriteGlobalFilter && !c.Global.DisableRepositoryFilterOverwrite {
		m.Filter.apply(&conf)
	} else {
		c.Global.Filter.apply(&conf)
	}

	return conf, nil
}
