package main

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/utilitywarehouse/mirror-sync/config"
	"github.com/utilitywarehouse/mirror-sync/gitsync"
	"gopkg.in/yaml.v3"
)

const (
	defaultSSHKeyPath        = "/etc/git-secret/ssh"
	defaultSSHKnownHostsPath = "/etc/git-secret/known_hosts"
)

var (
	configSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mirror_sync_config_last_reload_successful",
		Help: "Whether the last configuration reload attempt was successful.",
	})
	configSuccessTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mirror_sync_config_last_reload_success_timestamp_seconds",
		Help: "Timestamp of the last successful configuration reload.",
	})
)

// WatchConfig polls the config file every interval and reloads if modified
func WatchConfig(ctx context.Context, path string, watchConfig bool, interval time.Duration, onChange func(*config.Config) bool) {
	var lastModTime time.Time
	var success bool

	for {
		lastModTime, success = loadConfig(path, lastModTime, onChange)
		if success {
			configSuccess.Set(1)
			configSuccessTime.SetToCurrentTime()
		} else {
			configSuccess.Set(0)
		}

		if !watchConfig {
			return
		}

		t := time.NewTimer(interval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func loadConfig(path string, lastModTime time.Time, onChange func(*config.Config) bool) (time.Time, bool) {
	fileInfo, err := os.Stat(path)
	if err != nil {
		logger.Error("Error checking config file", "err", err)
		return lastModTime, false
	}

	modTime := fileInfo.ModTime()
	if modTime.Equal(lastModTime) {
		return lastModTime, true
	}

	logger.Info("reloading config file...")

	newConfig, err := parseConfigFile(path)
	if err != nil {
		logger.Error("failed to reload config", "err", err)
		return lastModTime, false
	}
	return modTime, onChange(newConfig)
}

// ensureConfig will do the diff between current mirrors and new config and
// based on that diff it will start, re-schedule or remove mirrors
func (a *app) ensureConfig(newConfig *config.Config) bool {
	success := true

	a.applyGitDefaults(newConfig)

	// validate and apply defaults to new config before compare
	if err := newConfig.ValidateAndApplyDefaults(); err != nil {
		logger.Error("failed to validate new config", "err", err)
		return false
	}

	current := a.configs.Get()
	if a.loaded && !reflect.DeepEqual(current.Git, newConfig.Git) {
		logger.Warn("changes in git section of the config are only applied on restart")
	}

	// new config must be visible to workers before anything is scheduled
	a.configs.Set(newConfig)

	newMirrors, changedMirrors, removedMirrors := diffMirrors(current, newConfig)
	if !a.loaded {
		// on start up every mirror is new, existing statuses are kept
		newMirrors = newConfig.IDs()
		changedMirrors = nil
	}

	ctx := context.Background()

	for _, id := range removedMirrors {
		logger.Info("removing mirror", "repo", id)
		a.scheduler.Cancel(id)
		if err := a.records.Forget(ctx, id); err != nil {
			logger.Error("failed to remove mirror records", "repo", id, "err", err)
			success = false
		}
		if err := a.remover.Remove(id); err != nil {
			logger.Error("failed to remove mirror dir", "repo", id, "err", err)
			success = false
		}
	}

	for _, id := range newMirrors {
		conf, err := newConfig.Applicable(id)
		if err != nil {
			logger.Error("unable to get mirror config", "repo", id, "err", err)
			success = false
			continue
		}
		if _, err := a.statuses.Init(ctx, id, time.Now()); err != nil {
			logger.Error("failed to init mirror status", "repo", id, "err", err)
			success = false
		}

		if !a.loaded {
			// catch up after start up, first attempt runs after a short delay
			err = a.scheduler.ScheduleNow(conf)
		} else {
			logger.Info("new mirror added", "repo", id)
			a.submitter.Submit(id)
			err = a.scheduler.Schedule(conf)
		}
		if err != nil {
			logger.Error("failed to schedule mirror", "repo", id, "err", err)
			success = false
		}
	}

	for _, id := range changedMirrors {
		conf, err := newConfig.Applicable(id)
		if err != nil {
			logger.Error("unable to get mirror config", "repo", id, "err", err)
			success = false
			continue
		}
		logger.Info("mirror config changed", "repo", id)
		if err := a.scheduler.Schedule(conf); err != nil {
			logger.Error("failed to re-schedule mirror", "repo", id, "err", err)
			success = false
		}
	}

	a.loaded = true
	return success
}

func (a *app) applyGitDefaults(conf *config.Config) {
	if conf.Git.Root == "" {
		conf.Git.Root = a.mirrorsRoot
	}

	if conf.Git.Auth.SSHKeyPath == "" {
		conf.Git.Auth.SSHKeyPath = defaultSSHKeyPath
	}

	if conf.Git.Auth.SSHKnownHostsPath == "" {
		conf.Git.Auth.SSHKnownHostsPath = defaultSSHKnownHostsPath
	}
}

func parseConfigFile(path string) (*config.Config, error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	err = validateConfig(yamlFile)
	if err != nil {
		return nil, err
	}

	conf := &config.Config{}
	err = yaml.Unmarshal(yamlFile, conf)
	if err != nil {
		return nil, err
	}

	return conf, nil
}

func validateConfig(yamlData []byte) error {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(yamlData, &raw); err != nil {
		return err
	}

	// mirrors section is mandatory
	if _, ok := raw["mirrors"]; !ok {
		return fmt.Errorf("mirrors config section is missing")
	}

	// check config sections for unexpected keys
	if key := findUnexpectedKey(raw, getAllowedKeys(config.Config{})); key != "" {
		return fmt.Errorf("unexpected key: .%v", key)
	}

	// check "git" section
	if gitMap, ok := raw["git"].(map[string]interface{}); ok {
		if key := findUnexpectedKey(gitMap, getAllowedKeys(gitsync.Config{})); key != "" {
			return fmt.Errorf("unexpected key: .git.%v", key)
		}
		if authMap, ok := gitMap["auth"].(map[string]interface{}); ok {
			if key := findUnexpectedKey(authMap, getAllowedKeys(gitsync.Auth{})); key != "" {
				return fmt.Errorf("unexpected key: .git.auth.%v", key)
			}
		}
	}

	// check "global" section
	if globalMap, ok := raw["global"].(map[string]interface{}); ok {
		if key := findUnexpectedKey(globalMap, getAllowedKeys(config.GlobalConfig{})); key != "" {
			return fmt.Errorf("unexpected key: .global.%v", key)
		}
		if err := validateFilterSection(globalMap["filter"], ".global.filter"); err != nil {
			return err
		}
	}

	// check each mirror in "mirrors" section
	mirrors, ok := raw["mirrors"].([]interface{})
	if !ok && raw["mirrors"] != nil {
		return fmt.Errorf("mirrors config section is not valid")
	}
	allowedMirrorKeys := getAllowedKeys(config.MirrorConfig{})
	for _, mirrorInterface := range mirrors {
		mirrorMap, ok := mirrorInterface.(map[string]interface{})
		if !ok {
			return fmt.Errorf("mirrors config section is not valid")
		}

		if key := findUnexpectedKey(mirrorMap, allowedMirrorKeys); key != "" {
			return fmt.Errorf("unexpected key: .mirrors[%v].%v", mirrorMap["id"], key)
		}

		if authMap, ok := mirrorMap["auth"].(map[string]interface{}); ok {
			if key := findUnexpectedKey(authMap, getAllowedKeys(config.AuthConfig{})); key != "" {
				return fmt.Errorf("unexpected key: .mirrors[%v].auth.%v", mirrorMap["id"], key)
			}
		}

		if proxyMap, ok := mirrorMap["proxy"].(map[string]interface{}); ok {
			if key := findUnexpectedKey(proxyMap, getAllowedKeys(config.ProxyConfig{})); key != "" {
				return fmt.Errorf("unexpected key: .mirrors[%v].proxy.%v", mirrorMap["id"], key)
			}
		}

		if err := validateFilterSection(mirrorMap["filter"], fmt.Sprintf(".mirrors[%v].filter", mirrorMap["id"])); err != nil {
			return err
		}
	}

	return nil
}

func validateFilterSection(section interface{}, path string) error {
	filterMap, ok := section.(map[string]interface{})
	if !ok {
		return nil
	}
	if key := findUnexpectedKey(filterMap, getAllowedKeys(config.FilterConfig{})); key != "" {
		return fmt.Errorf("unexpected key: %s.%v", path, key)
	}

	keys, _ := filterMap["trusted_keys"].([]interface{})
	for i, keyInterface := range keys {
		keyMap, ok := keyInterface.(map[string]interface{})
		if !ok {
			return fmt.Errorf("%s.trusted_keys[%d] is not valid", path, i)
		}
		if key := findUnexpectedKey(keyMap, getAllowedKeys(config.KeyConfig{})); key != "" {
			return fmt.Errorf("unexpected key: %s.trusted_keys[%d].%v", path, i, key)
		}
	}
	return nil
}

// getAllowedKeys retrieves a list of allowed keys from the specified struct
func getAllowedKeys(config interface{}) []string {
	var allowedKeys []string
	val := reflect.ValueOf(config)
	typ := reflect.TypeOf(config)

	for i := 0; i < val.NumField(); i++ {
		field := typ.Field(i)
		yamlTag := field.Tag.Get("yaml")
		if yamlTag != "" {
			allowedKeys = append(allowedKeys, yamlTag)
		}
	}
	return allowedKeys
}

func findUnexpectedKey(raw interface{}, allowedKeys []string) string {
	for key := range raw.(map[string]interface{}) {
		if !slices.Contains(allowedKeys, key) {
			return key
		}
	}

	return ""
}

// diffMirrors will do the diff between current and new config and return
// ids of new, changed and removed mirrors
func diffMirrors(current, newConfig *config.Config) (newMirrors, changedMirrors, removedMirrors []string) {
	for _, newMirror := range newConfig.Mirrors {
		currentMirror, ok := current.Mirror(newMirror.ID)
		switch {
		case !ok:
			newMirrors = append(newMirrors, newMirror.ID)
		case !reflect.DeepEqual(currentMirror, newMirror) || !reflect.DeepEqual(current.Global, newConfig.Global):
			changedMirrors = append(changedMirrors, newMirror.ID)
		}
	}

	for _, currentMirror := range current.Mirrors {
		if _, ok := newConfig.Mirror(currentMirror.ID); !ok {
			removedMirrors = append(removedMirrors, currentMirror.ID)
		}
	}

	return
}
