package main

import (
	"errors"
	"fmt"
	"github.com/greendrake/rtspcam/camera"
	"github.com/greendrake/rtspcam/logger"
	"gopkg.in/yaml.v3"
	"os"
)

var ErrDuplicateCamera = errors.New("duplicate camera name")

type Config struct {
	BaseDir    string           `yaml:"BaseDir"`
	Log        logger.Config    `yaml:"Log"`
	StatusPort string           `yaml:"StatusPort"`
	Cameras    []*camera.Camera `yaml:"Cameras"`
}

// LoadConfig reads and validates the YAML configuration at path.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()

	var config Config
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config %s: %w", path, err)
	}
	if config.BaseDir == "" {
		config.BaseDir = "."
	}
	seen := map[camera.CamName]bool{}
	for _, cam := range config.Cameras {
		if err := cam.Validate(); err != nil {
			return nil, err
		}
		if seen[cam.Name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCamera, cam.Name)
		}
		seen[cam.Name] = true
	}
	return &config, nil
}
