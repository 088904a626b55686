// Package config loads the server's JSON configuration, resolved from the
// CONFIG_PATH environment variable (defaulting to ./config.json).
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// EnvConfigPath is the environment variable naming the configuration file.
const EnvConfigPath = "CONFIG_PATH"

// DefaultConfigPath is used when EnvConfigPath is unset.
const DefaultConfigPath = "./config.json"

// Settings is the passive configuration record described by the
// configuration schema: everything the server needs to start, nothing it
// decides at runtime.
type Settings struct {
	CommandAddress       string `mapstructure:"command_address"`
	DataDirPath          string `mapstructure:"data_dir_path"`
	SerializedListsPath  string `mapstructure:"serialized_lists_path"`
	WhiteListFileName    string `mapstructure:"white_list_file_name"`
	BanListFileName      string `mapstructure:"ban_list_file_name"`
	ServerNumThreads     int    `mapstructure:"server_num_threads"`
	BufferSize           int    `mapstructure:"buffer_size"`
	FirstPort            uint16 `mapstructure:"first_port"`
	LastPort             uint16 `mapstructure:"last_port"`
}

// Validate checks the structural preconditions the schema promises:
// positive thread/buffer counts and first_port <= last_port.
func (s Settings) Validate() error {
	if s.CommandAddress == "" {
		return fmt.Errorf("config: command_address is required")
	}

	if s.DataDirPath == "" {
		return fmt.Errorf("config: data_dir_path is required")
	}

	if s.ServerNumThreads <= 0 {
		return fmt.Errorf("config: server_num_threads must be positive, got %d", s.ServerNumThreads)
	}

	if s.BufferSize <= 0 {
		return fmt.Errorf("config: buffer_size must be positive, got %d", s.BufferSize)
	}

	if s.FirstPort > s.LastPort {
		return fmt.Errorf("config: first_port (%d) must be <= last_port (%d)", s.FirstPort, s.LastPort)
	}

	return nil
}

// Path resolves the configuration file location: CONFIG_PATH if set, else
// DefaultConfigPath.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}

	return DefaultConfigPath
}

// Load reads and validates the configuration file at Path().
func Load() (Settings, error) {
	return LoadFrom(Path())
}

// LoadFrom reads and validates the configuration file at the given path.
func LoadFrom(path string) (Settings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		return Settings{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}

	return s, nil
}
