package config

import "pagemapdb/pkg/storage"

// Config is the root application configuration, parsed from YAML.
type Config struct {
	Logger  LoggerConfig  `yaml:"logger" validate:"required"`
	Server  ServerConfig  `yaml:"http-server" validate:"required"`
	Storage StorageConfig `yaml:"storage" validate:"required"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port int `yaml:"port" validate:"required,min=1,max=65535"`
}

type StorageConfig struct {
	// RootPath holds one subdirectory per memory region.
	RootPath string `yaml:"path" validate:"required,dir"`
	// MaxFiles bounds how many files may represent one region at rest.
	MaxFiles int `yaml:"max_files" validate:"required,min=2"`
	// PersistWorkers caps how many regions persist or merge in parallel.
	PersistWorkers int `yaml:"persist_workers" validate:"required,min=1"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Storage: StorageConfig{
			RootPath:       "./data",
			MaxFiles:       storage.MaxNumberOfFiles,
			PersistWorkers: 4,
		},
	}
}
