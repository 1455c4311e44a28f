package config

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestSingletonInstance tests the singleton pattern implementation
func TestSingletonInstance(t *testing.T) {
	ResetInstance()
	defer ResetInstance()

	instance1 := GetInstance()
	instance2 := GetInstance()
	assert.NotNil(t, instance1)
	assert.Same(t, instance1, instance2)

	var wg sync.WaitGroup
	instances := make([]ConfigManager, 50)
	for i := range instances {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			instances[index] = GetInstance()
		}(i)
	}
	wg.Wait()

	for _, instance := range instances {
		assert.Equal(t, instance1, instance)
	}
}

func TestSetInstanceForTesting(t *testing.T) {
	ResetInstance()
	defer ResetInstance()

	mock := &mockConfigManager{}
	SetInstanceForTesting(mock)
	assert.Equal(t, ConfigManager(mock), GetInstance())

	ResetInstance()
	assert.True(t, mock.closed)
	next := GetInstance()
	assert.NotNil(t, next)
	assert.NotEqual(t, ConfigManager(mock), next)
}

// mockConfigManager is a mock implementation for testing
type mockConfigManager struct {
	closed bool
}

func (m *mockConfigManager) LoadConfig(configName string, config Config) error { return nil }

func (m *mockConfigManager) GetConfig(configName string) (Config, error) { return nil, nil }

func (m *mockConfigManager) SetBasePath(path string) {}

func (m *mockConfigManager) SetEnvironment(env string) {}

func (m *mockConfigManager) Close() error {
	m.closed = true
	return nil
}

func (m *mockConfigManager) AddChangeListener(listener ConfigChangeListener) {}

func (m *mockConfigManager) RemoveChangeListener(listener ConfigChangeListener) {}

func (m *mockConfigManager) NotifyConfigChanged(configName string, newConfig, oldConfig Config) {}
