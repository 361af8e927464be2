// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package config layers mission settings from defaults, a YAML file, the
// environment and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"mission-toolkit/pkg/mission"
	"mission-toolkit/pkg/syncengine"
)

// EnvPrefix prefixes every environment override; MISSION_MISSION_MAXNODES
// sets mission.maxNodes.
const EnvPrefix = "MISSION"

type MissionConfig struct {
	Name       string `mapstructure:"name" validate:"required"`
	MaxNodes   int    `mapstructure:"maxNodes" validate:"min=1"`
	VMSize     string `mapstructure:"vmSize" validate:"required"`
	PoolImage  string `mapstructure:"poolImage" validate:"required"`
	WorkDir    string `mapstructure:"workDir"`
	Allocation string `mapstructure:"allocation" validate:"oneof=dedicated preemptible"`
	Autoscale  bool   `mapstructure:"autoscale"`
}

type TaskConfig struct {
	Command string `mapstructure:"command" validate:"required"`
}

type SyncConfig struct {
	Workers      int      `mapstructure:"workers" validate:"min=1,max=64"`
	RateLimit    float64  `mapstructure:"rateLimit" validate:"gte=0"`
	Burst        int      `mapstructure:"burst" validate:"gte=0"`
	StageExclude []string `mapstructure:"stageExclude"`
}

type MonitorConfig struct {
	PollInterval time.Duration `mapstructure:"pollInterval" validate:"min=1s"`
	Resize       bool          `mapstructure:"resize"`
	Download     bool          `mapstructure:"download"`
}

// DownloadConfig toggles bulky output categories back into downloads.
type DownloadConfig struct {
	RawData bool `mapstructure:"rawData"`
	Figures bool `mapstructure:"figures"`
	Rasters bool `mapstructure:"rasters"`
}

type BackendConfig struct {
	Kind        string `mapstructure:"kind" validate:"oneof=gcp memory"`
	Credentials string `mapstructure:"credentials"`
	Profile     string `mapstructure:"profile" validate:"required"`
	// CompleteAfterPolls sets how many polls a rehearsal task takes.
	CompleteAfterPolls int `mapstructure:"completeAfterPolls" validate:"min=1"`
}

type TelemetryConfig struct {
	Endpoint    string `mapstructure:"endpoint" validate:"omitempty,hostname_port"`
	ServiceName string `mapstructure:"serviceName"`
	Insecure    bool   `mapstructure:"insecure"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn warning error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// Config is the decoded configuration.
type Config struct {
	Mission   MissionConfig   `mapstructure:"mission"`
	Task      TaskConfig      `mapstructure:"task"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Download  DownloadConfig  `mapstructure:"download"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Log       LogConfig       `mapstructure:"log"`
}

// LoadOptions says where configuration comes from.
type LoadOptions struct {
	// ConfigFile is read when set; otherwise mission.yaml in the working
	// directory is read if present.
	ConfigFile string
	// EnvFile is loaded into the environment first when it exists.
	EnvFile string
	Flags   *pflag.FlagSet
	// Bindings maps configuration keys to flag names in Flags.
	Bindings map[string]string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mission.name", "")
	v.SetDefault("mission.maxNodes", 1)
	v.SetDefault("mission.vmSize", "c2-standard-8")
	v.SetDefault("mission.poolImage", "")
	v.SetDefault("mission.workDir", ".")
	v.SetDefault("mission.allocation", string(mission.AllocationDedicated))
	v.SetDefault("mission.autoscale", false)
	v.SetDefault("task.command", mission.DefaultTaskCommand)
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.rateLimit", 50.0)
	v.SetDefault("sync.burst", 10)
	v.SetDefault("sync.stageExclude", syncengine.StagingExcludes)
	v.SetDefault("monitor.pollInterval", 30*time.Second)
	v.SetDefault("monitor.resize", true)
	v.SetDefault("monitor.download", true)
	v.SetDefault("download.rawData", false)
	v.SetDefault("download.figures", false)
	v.SetDefault("download.rasters", false)
	v.SetDefault("backend.kind", "gcp")
	v.SetDefault("backend.credentials", DefaultCredentialsPath())
	v.SetDefault("backend.profile", "default")
	v.SetDefault("backend.completeAfterPolls", 2)
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.serviceName", "mission-toolkit")
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads, decodes and validates the configuration.
func Load(opts LoadOptions) (*Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %q: %w", opts.EnvFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", opts.ConfigFile, err)
		}
	} else {
		v.SetConfigName("mission")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	if opts.Flags != nil {
		for key, flagName := range opts.Bindings {
			f := opts.Flags.Lookup(flagName)
			if f == nil {
				return nil, fmt.Errorf("flag %q bound to %q is not defined", flagName, key)
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %q: %w", flagName, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("failed to validate configuration: %w", err)
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, fmt.Errorf("invalid %s: failed %q check (value %v)", fieldKey(fe), fe.Tag(), fe.Value()))
	}
	return errors.Join(errs...)
}

// fieldKey renders a validation error's field as a dotted config key.
func fieldKey(fe validator.FieldError) string {
	ns := fe.StructNamespace()
	ns = strings.TrimPrefix(ns, "Config.")
	parts := strings.Split(ns, ".")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToLower(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, ".")
}

// MissionSpec returns the mission described by the configuration.
func (c *Config) MissionSpec() mission.Spec {
	return mission.Spec{
		Name:        c.Mission.Name,
		MaxNodes:    c.Mission.MaxNodes,
		VMSize:      c.Mission.VMSize,
		PoolImage:   c.Mission.PoolImage,
		WorkDir:     c.Mission.WorkDir,
		Allocation:  mission.Allocation(c.Mission.Allocation),
		Autoscale:   c.Mission.Autoscale,
		TaskCommand: c.Task.Command,
	}
}

// DownloadFilter returns the configured output toggles.
func (c *Config) DownloadFilter() syncengine.DownloadFilter {
	return syncengine.DownloadFilter{
		RawData: c.Download.RawData,
		Figures: c.Download.Figures,
		Rasters: c.Download.Rasters,
	}
}
