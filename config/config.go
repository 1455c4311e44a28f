package config

// Config interface defines the basic configuration contract
type Config interface {
	GetName() string
	Validate() error
}

// ConfigChangeListener is notified after a watched configuration file has been
// reloaded and validated.
type ConfigChangeListener interface {
	OnConfigChanged(configName string, newConfig, oldConfig Config) error
	GetConfigName() string
}

// Defaulter is implemented by configs that fill default values. SetDefaults is
// called before every decode, so keys missing from the file keep their defaults
// across hot reloads.
type Defaulter interface {
	SetDefaults()
}
