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
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/ini.v1"
)

// Profile holds the cloud coordinates and secrets of one credentials section.
type Profile struct {
	Project         string `ini:"project" validate:"required"`
	Location        string `ini:"location" validate:"required"`
	Cluster         string `ini:"cluster" validate:"required"`
	CredentialsFile string `ini:"credentials_file" validate:"omitempty,filepath"`
	BucketLocation  string `ini:"bucket_location"`
	PostgresDSN     string `ini:"postgres_dsn" validate:"required"`
	ServiceAccount  string `ini:"service_account"`
	Kubeconfig      string `ini:"kubeconfig"`
	NodeZone        string `ini:"node_zone"`
}

// DefaultCredentialsPath is ~/.config/mission/credentials, or a relative
// fallback when the user config directory is unknown.
func DefaultCredentialsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".mission", "credentials")
	}
	return filepath.Join(dir, "mission", "credentials")
}

// LoadProfile reads section name from the ini file at path.
func LoadProfile(path, name string) (*Profile, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("credentials file %q does not exist", path)
		}
		return nil, fmt.Errorf("failed to stat credentials file %q: %w", path, err)
	}
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials file %q: %w", path, err)
	}
	section, err := file.GetSection(name)
	if err != nil {
		return nil, fmt.Errorf("profile %q not found in %q", name, path)
	}

	p := &Profile{}
	if err := section.MapTo(p); err != nil {
		return nil, fmt.Errorf("failed to decode profile %q: %w", name, err)
	}
	if p.BucketLocation == "" {
		p.BucketLocation = p.Location
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("profile %q: %w", name, err)
	}
	return p, nil
}

// Validate reports every missing field at once.
func (p *Profile) Validate() error {
	err := validate.Struct(p)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, fmt.Errorf("invalid %s: failed %q check", fe.Field(), fe.Tag()))
	}
	return errors.Join(errs...)
}
