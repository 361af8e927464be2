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


package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mission-toolkit/pkg/mission"
	"mission-toolkit/pkg/syncengine"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

const minimalYAML = `
mission:
  name: storm-surge
  maxNodes: 4
  poolImage: registry.example.com/geoclaw:1.0
`

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgFile := writeFile(t, dir, "mission.yaml", minimalYAML)

	cfg, err := Load(LoadOptions{ConfigFile: cfgFile})
	require.NoError(t, err)

	assert.Equal(t, "storm-surge", cfg.Mission.Name)
	assert.Equal(t, 4, cfg.Mission.MaxNodes)
	assert.Equal(t, "dedicated", cfg.Mission.Allocation)
	assert.Equal(t, mission.DefaultTaskCommand, cfg.Task.Command)
	assert.Equal(t, 4, cfg.Sync.Workers)
	assert.Equal(t, 50.0, cfg.Sync.RateLimit)
	assert.Equal(t, syncengine.StagingExcludes, cfg.Sync.StageExclude)
	assert.Equal(t, 30*time.Second, cfg.Monitor.PollInterval)
	assert.True(t, cfg.Monitor.Resize)
	assert.True(t, cfg.Monitor.Download)
	assert.Equal(t, "gcp", cfg.Backend.Kind)
	assert.Equal(t, "default", cfg.Backend.Profile)
	assert.Equal(t, "info", cfg.Log.Level)

	spec := cfg.MissionSpec()
	assert.Equal(t, mission.AllocationDedicated, spec.Allocation)
	assert.Equal(t, "registry.example.com/geoclaw:1.0", spec.PoolImage)
	assert.Equal(t, syncengine.DownloadFilter{}, cfg.DownloadFilter())
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	cfgFile := writeFile(t, dir, "mission.yaml", minimalYAML+`
monitor:
  pollInterval: 45s
sync:
  workers: 2
download:
  figures: true
`)
	envFile := writeFile(t, dir, ".env", "MISSION_SYNC_WORKERS=6\n")
	t.Setenv("MISSION_MISSION_ALLOCATION", "preemptible")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("max-nodes", 0, "")
	flags.String("log-level", "info", "")
	require.NoError(t, flags.Parse([]string{"--max-nodes=9"}))

	cfg, err := Load(LoadOptions{
		ConfigFile: cfgFile,
		EnvFile:    envFile,
		Flags:      flags,
		Bindings: map[string]string{
			"mission.maxNodes": "max-nodes",
			"log.level":        "log-level",
		},
	})
	t.Cleanup(func() { os.Unsetenv("MISSION_SYNC_WORKERS") })
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Mission.MaxNodes, "a set flag beats the file")
	assert.Equal(t, "info", cfg.Log.Level, "an unset flag falls back to its default")
	assert.Equal(t, "preemptible", cfg.Mission.Allocation, "the environment beats the file")
	assert.Equal(t, 6, cfg.Sync.Workers, "the env file feeds the environment")
	assert.Equal(t, 45*time.Second, cfg.Monitor.PollInterval)
	assert.True(t, cfg.DownloadFilter().Figures)
}

func TestLoadValidation(t *testing.T) {
	dir := t.TempDir()
	cfgFile := writeFile(t, dir, "mission.yaml", `
mission:
  maxNodes: 0
  allocation: spot
sync:
  workers: 0
log:
  format: xml
telemetry:
  endpoint: "not an endpoint"
`)
	_, err := Load(LoadOptions{ConfigFile: cfgFile})
	require.Error(t, err)
	for _, key := range []string{
		"mission.name", "mission.maxNodes", "mission.poolImage", "mission.allocation",
		"sync.workers", "log.format", "telemetry.endpoint",
	} {
		assert.Contains(t, err.Error(), "invalid "+key)
	}
}

func TestLoadUnknownFlag(t *testing.T) {
	dir := t.TempDir()
	cfgFile := writeFile(t, dir, "mission.yaml", minimalYAML)
	_, err := Load(LoadOptions{
		ConfigFile: cfgFile,
		Flags:      pflag.NewFlagSet("test", pflag.ContinueOnError),
		Bindings:   map[string]string{"mission.maxNodes": "max-nodes"},
	})
	assert.ErrorContains(t, err, `flag "max-nodes"`)
}

func TestLoadMissingConfigFile(t *testing.T) {
	_, err := Load(LoadOptions{ConfigFile: filepath.Join(t.TempDir(), "absent.yaml")})
	assert.Error(t, err)
}

const credentialsINI = `
[default]
project = demo-project
location = us-central1
cluster = hpc
postgres_dsn = postgres://mission@db/mission

[other]
project = other-project
location = europe-west4
cluster = hpc
bucket_location = EU
postgres_dsn = postgres://mission@db/other
service_account = runner
node_zone = europe-west4-b

[broken]
project = p
`

func TestLoadProfile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "credentials", credentialsINI)

	p, err := LoadProfile(path, "default")
	require.NoError(t, err)
	assert.Equal(t, &Profile{
		Project:        "demo-project",
		Location:       "us-central1",
		Cluster:        "hpc",
		BucketLocation: "us-central1",
		PostgresDSN:    "postgres://mission@db/mission",
	}, p)

	p, err = LoadProfile(path, "other")
	require.NoError(t, err)
	assert.Equal(t, "EU", p.BucketLocation)
	assert.Equal(t, "runner", p.ServiceAccount)
	assert.Equal(t, "europe-west4-b", p.NodeZone)

	_, err = LoadProfile(path, "broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Location")
	assert.Contains(t, err.Error(), "PostgresDSN")

	_, err = LoadProfile(path, "missing")
	assert.ErrorContains(t, err, `profile "missing" not found`)

	_, err = LoadProfile(filepath.Join(t.TempDir(), "none"), "default")
	assert.ErrorContains(t, err, "does not exist")
}
