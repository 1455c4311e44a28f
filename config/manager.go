package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// text values such as log levels decode through encoding.TextUnmarshaler
var decodeHook = viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
	mapstructure.TextUnmarshallerHookFunc(),
	mapstructure.StringToTimeDurationHookFunc(),
	mapstructure.StringToSliceHookFunc(","),
))

// ConfigManager interface for configuration management
type ConfigManager interface {
	LoadConfig(configName string, config Config) error
	GetConfig(configName string) (Config, error)
	SetBasePath(path string)
	SetEnvironment(env string)
	AddChangeListener(listener ConfigChangeListener)
	RemoveChangeListener(listener ConfigChangeListener)
	NotifyConfigChanged(configName string, newConfig, oldConfig Config)
	Close() error
}

// configManager implementation of ConfigManager interface
type configManager struct {
	mu        sync.RWMutex
	configs   map[string]Config
	watchers  map[string]*fsnotify.Watcher
	listeners []ConfigChangeListener
	basePath  string
	env       string
}

// NewConfigManager creates a new configuration manager
func NewConfigManager() ConfigManager {
	return &configManager{
		configs:  make(map[string]Config),
		watchers: make(map[string]*fsnotify.Watcher),
		basePath: "./configs",
		env:      "development",
	}
}

func (cm *configManager) newViper(configName string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	v.AddConfigPath(cm.basePath)
	v.AddConfigPath(fmt.Sprintf("%s/%s", cm.basePath, cm.env))

	// NAME_KEY environment variables override file values
	v.AutomaticEnv()
	v.SetEnvPrefix(strings.ToUpper(configName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

func readInto(v *viper.Viper, config Config) error {
	if d, ok := config.(Defaulter); ok {
		d.SetDefaults()
	}
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config failed: %w", err)
	}
	if err := v.Unmarshal(config, decodeHook); err != nil {
		return fmt.Errorf("unmarshal config failed: %w", err)
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("validate config failed: %w", err)
	}
	return nil
}

// LoadConfig loads configuration from file and starts watching it.
func (cm *configManager) LoadConfig(configName string, config Config) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	v := cm.newViper(configName)
	if err := readInto(v, config); err != nil {
		return err
	}

	cm.configs[configName] = config

	if _, watching := cm.watchers[configName]; watching {
		return nil
	}
	if err := cm.watchConfigFile(configName, v.ConfigFileUsed()); err != nil {
		return fmt.Errorf("watch config file failed: %w", err)
	}
	return nil
}

// GetConfig returns the last successfully loaded configuration.
func (cm *configManager) GetConfig(configName string) (Config, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	config, exists := cm.configs[configName]
	if !exists {
		return nil, fmt.Errorf("config %s not found", configName)
	}
	return config, nil
}

// SetBasePath sets base path for configuration files
func (cm *configManager) SetBasePath(path string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.basePath = path
}

// SetEnvironment sets environment for configuration
func (cm *configManager) SetEnvironment(env string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.env = env
}

// AddChangeListener registers a listener; adding the same listener twice is a no-op.
func (cm *configManager) AddChangeListener(listener ConfigChangeListener) {
	if listener == nil {
		return
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for _, l := range cm.listeners {
		if l == listener {
			return
		}
	}
	cm.listeners = append(cm.listeners, listener)
}

// RemoveChangeListener unregisters a listener.
func (cm *configManager) RemoveChangeListener(listener ConfigChangeListener) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for i, l := range cm.listeners {
		if l == listener {
			cm.listeners = append(cm.listeners[:i], cm.listeners[i+1:]...)
			return
		}
	}
}

// NotifyConfigChanged fans a change out to every listener interested in configName.
// Listener errors are reported but do not stop the fan-out.
func (cm *configManager) NotifyConfigChanged(configName string, newConfig, oldConfig Config) {
	cm.mu.RLock()
	listeners := make([]ConfigChangeListener, 0, len(cm.listeners))
	for _, l := range cm.listeners {
		if name := l.GetConfigName(); name == "" || name == configName {
			listeners = append(listeners, l)
		}
	}
	cm.mu.RUnlock()

	for _, l := range listeners {
		if err := l.OnConfigChanged(configName, newConfig, oldConfig); err != nil {
			reportError("notify %s listener failed: %v", configName, err)
		}
	}
}

// watchConfigFile watches configuration file for changes
func (cm *configManager) watchConfigFile(configName, configFile string) error {
	if configFile == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(configFile); err != nil {
		_ = watcher.Close()
		return err
	}
	cm.watchers[configName] = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					cm.reloadConfig(configName)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				reportError("config watcher error: %v", err)
			}
		}
	}()
	return nil
}

// reloadConfig re-reads a watched file; on any failure the old config stays in place.
func (cm *configManager) reloadConfig(configName string) {
	cm.mu.Lock()
	oldConfig, exists := cm.configs[configName]
	if !exists {
		cm.mu.Unlock()
		return
	}

	// same concrete type as the original registration
	newConfig := reflect.New(reflect.TypeOf(oldConfig).Elem()).Interface().(Config)
	if err := readInto(cm.newViper(configName), newConfig); err != nil {
		cm.mu.Unlock()
		reportError("reloadConfig %s: %v", configName, err)
		return
	}
	cm.configs[configName] = newConfig
	cm.mu.Unlock()

	cm.NotifyConfigChanged(configName, newConfig, oldConfig)
}

// Close closes the configuration manager
func (cm *configManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	var firstErr error
	for name, watcher := range cm.watchers {
		if err := watcher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(cm.watchers, name)
	}
	return firstErr
}

// config sits below log in the import graph, so failures go straight to stderr.
func reportError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "config: "+format+"\n", args...)
}
