package gitsync

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/utilitywarehouse/mirror-sync/internal/ghapp"
)

var matchSpecialCharReg = regexp.MustCompile(`[\\:\/*?"<>|\s]`)
var matchDupUnderscoreReg = regexp.MustCompile(`_+`)

// Config is the service level configuration of the git syncer
type Config struct {
	// Root is the absolute path to the dir where mirrored repositories are
	// created
	Root string `yaml:"root"`

	// GitGC garbage collection string. valid values are
	// 'auto', 'always', 'aggressive' or 'off'
	GitGC string `yaml:"gc"`

	// LowSpeedTime aborts transfers slower than LowSpeedLimit bytes per
	// second for this long
	LowSpeedTime  time.Duration `yaml:"low_speed_time"`
	LowSpeedLimit int           `yaml:"low_speed_limit"`

	// GnupgHome is the gpg home dir holding the keys of local users. It is
	// used to verify signatures unless the mirror has its own trusted keys.
	GnupgHome string `yaml:"gnupg_home"`

	// Auth used when the mirror doesn't have its own credentials
	Auth Auth `yaml:"auth"`
}

// Auth represents default authentication config of mirrors
type Auth struct {
	// SSH Details
	// path to the ssh key used to fetch remote
	SSHKeyPath string `yaml:"ssh_key_path"`

	// path to the known hosts of the remote host
	SSHKnownHostsPath string `yaml:"ssh_known_hosts_path"`

	// Github APP Details
	// The application id or the client ID of the Github app
	GithubAppID string `yaml:"github_app_id"`
	// The installation id of the app (in the organization).
	GithubAppInstallationID string `yaml:"github_app_installation_id"`
	// path to the github app private key
	GithubAppPrivateKeyPath string `yaml:"github_app_private_key_path"`
}

func (a Auth) githubApp() ghapp.App {
	return ghapp.App{
		ID:             a.GithubAppID,
		InstallationID: a.GithubAppInstallationID,
		PrivateKeyPath: a.GithubAppPrivateKeyPath,
	}
}

// ValidateAndApplyDefaults validates config and sets defaults for empty fields
func (c *Config) ValidateAndApplyDefaults() error {
	if c.Root == "" {
		return fmt.Errorf("root is required")
	}
	if !filepath.IsAbs(c.Root) {
		return fmt.Errorf("root must be an absolute path")
	}

	if c.GitGC == "" {
		c.GitGC = gcAlways
	}
	switch c.GitGC {
	case gcAuto, gcAlways, gcAggressive, gcOff:
	default:
		return fmt.Errorf("wrong gc value provided, must be one of %s, %s, %s, %s",
			gcAuto, gcAlways, gcAggressive, gcOff)
	}

	if c.LowSpeedTime == 0 {
		c.LowSpeedTime = 2 * time.Minute
	}
	if c.LowSpeedLimit == 0 {
		c.LowSpeedLimit = 1000
	}

	if c.Auth.GithubAppID != "" || c.Auth.GithubAppInstallationID != "" || c.Auth.GithubAppPrivateKeyPath != "" {
		if c.Auth.GithubAppID == "" || c.Auth.GithubAppInstallationID == "" || c.Auth.GithubAppPrivateKeyPath == "" {
			return fmt.Errorf("github app id, installation id and private key path must be set together")
		}
	}

	return nil
}

// DirName returns the name of the local repository dir of the given id. ids
// with the same DirName share a dir so they must not be used together.
func DirName(id string) (string, error) {
	name := normaliseID(id)
	// reject id with all special char and . and .. has special meaning
	if name == "" || name == "_" || name == "." || name == ".." {
		return "", fmt.Errorf("repository id %q can't be used as dir name", id)
	}
	return name + ".git", nil
}

// normaliseID turns a repository id into a safe dir name
func normaliseID(id string) string {
	id = strings.TrimSpace(id)
	// remove special char not allowed in file name
	id = matchSpecialCharReg.ReplaceAllString(id, "_")
	id = matchDupUnderscoreReg.ReplaceAllString(id, "_")
	return id
}
