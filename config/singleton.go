package config

import "sync"

var (
	_instance ConfigManager
	_mu       sync.Mutex
)

// GetInstance returns the process-wide ConfigManager, creating it on first use.
func GetInstance() ConfigManager {
	_mu.Lock()
	defer _mu.Unlock()
	if _instance == nil {
		_instance = NewConfigManager()
	}
	return _instance
}

// SetInstanceForTesting replaces the process-wide instance.
func SetInstanceForTesting(cm ConfigManager) {
	_mu.Lock()
	defer _mu.Unlock()
	_instance = cm
}

// ResetInstance drops the process-wide instance; the next GetInstance creates a new one.
func ResetInstance() {
	_mu.Lock()
	defer _mu.Unlock()
	if _instance != nil {
		_ = _instance.Close()
	}
	_instance = nil
}
