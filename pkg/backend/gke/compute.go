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


// Package gke runs missions on Google Kubernetes Engine: pools are node pools,
// jobs are namespaces and tasks are Kubernetes Jobs.
package gke

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	container "google.golang.org/api/container/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"mission-toolkit/pkg/backend"
)

// Config locates the cluster the mission runs on.
type Config struct {
	Project  string
	Location string
	Cluster  string
	Mission  string
	// ServiceAccount is the Kubernetes service account task pods run as. It
	// needs write access to the mission bucket.
	ServiceAccount string
	// CLIImage stages inputs and collects outputs.
	CLIImage string
	// Kubeconfig, when set, is used instead of the cluster endpoint.
	Kubeconfig string
	// NodeZone pins the node pool to one zone. It is required when Location
	// is a region: GKE sizes regional pools per zone, so an unpinned pool
	// would run zones times the requested node count.
	NodeZone string
}

var zonePattern = regexp.MustCompile(`^[a-z]+-[a-z]+[0-9]+-[a-z]$`)

// IsZone reports whether location names a zone rather than a region.
func IsZone(location string) bool {
	return zonePattern.MatchString(location)
}

// Validate checks that pool sizes will mean total node counts.
func (c Config) Validate() error {
	switch {
	case c.NodeZone != "" && !IsZone(c.NodeZone):
		return fmt.Errorf("node zone %q is not a zone", c.NodeZone)
	case IsZone(c.Location) && c.NodeZone != "" && c.NodeZone != c.Location:
		return fmt.Errorf("node zone %q differs from the zonal cluster location %q", c.NodeZone, c.Location)
	case !IsZone(c.Location) && c.NodeZone == "":
		return fmt.Errorf("cluster location %q is a region; set a node zone so the pool size is not multiplied per zone", c.Location)
	}
	return nil
}

func (c Config) clusterName() string {
	return fmt.Sprintf("projects/%s/locations/%s/clusters/%s", c.Project, c.Location, c.Cluster)
}

func (c Config) poolName(pool string) string {
	return c.clusterName() + "/nodePools/" + pool
}

// Compute implements backend.Compute on GKE.
type Compute struct {
	cfg   Config
	pools *container.Service
	kube  kubernetes.Interface
	log   logrus.FieldLogger
	now   func() time.Time

	mu sync.Mutex
	// targets remembers requested sizes; GKE only reports the initial count.
	targets map[string]int
}

var _ backend.Compute = (*Compute)(nil)

// Option configures a Compute.
type Option func(*Compute)

// WithClock overrides the time source used to age nodes.
func WithClock(now func() time.Time) Option {
	return func(c *Compute) { c.now = now }
}

// New returns a Compute over existing clients.
func New(cfg Config, pools *container.Service, kube kubernetes.Interface, log logrus.FieldLogger, opts ...Option) *Compute {
	c := &Compute{
		cfg:     cfg,
		pools:   pools,
		kube:    kube,
		log:     log.WithField("cluster", cfg.Cluster),
		now:     time.Now,
		targets: map[string]int{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial builds the GKE and Kubernetes clients from a service account key
// file, or from application default credentials when credentialsFile is empty.
func Dial(ctx context.Context, cfg Config, credentialsFile string, log logrus.FieldLogger) (*Compute, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	creds, err := loadCredentials(ctx, credentialsFile)
	if err != nil {
		return nil, err
	}
	svc, err := container.NewService(ctx, option.WithTokenSource(creds.TokenSource))
	if err != nil {
		return nil, fmt.Errorf("failed to create GKE client: %w", err)
	}

	var restCfg *rest.Config
	if cfg.Kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to get kubeconfig: %w", err)
		}
	} else {
		restCfg, err = clusterRestConfig(ctx, svc, cfg, creds.TokenSource)
		if err != nil {
			return nil, err
		}
	}
	kube, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return New(cfg, svc, kube, log), nil
}

func loadCredentials(ctx context.Context, path string) (*google.Credentials, error) {
	if path == "" {
		creds, err := google.FindDefaultCredentials(ctx, container.CloudPlatformScope)
		if err != nil {
			return nil, fmt.Errorf("failed to find default credentials: %w", err)
		}
		return creds, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file %q: %w", path, err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, container.CloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse credentials file %q: %w", path, err)
	}
	return creds, nil
}

func clusterRestConfig(ctx context.Context, svc *container.Service, cfg Config, ts oauth2.TokenSource) (*rest.Config, error) {
	cluster, err := svc.Projects.Locations.Clusters.Get(cfg.clusterName()).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster %s: %w", cfg.Cluster, mapGoogleErr("cluster "+cfg.Cluster, err))
	}
	var ca []byte
	if cluster.MasterAuth != nil {
		ca, err = base64.StdEncoding.DecodeString(cluster.MasterAuth.ClusterCaCertificate)
		if err != nil {
			return nil, fmt.Errorf("failed to decode cluster CA certificate: %w", err)
		}
	}
	return &rest.Config{
		Host:            "https://" + cluster.Endpoint,
		TLSClientConfig: rest.TLSClientConfig{CAData: ca},
		WrapTransport: func(rt http.RoundTripper) http.RoundTripper {
			return &oauth2.Transport{Source: ts, Base: rt}
		},
	}, nil
}

// mapGoogleErr translates GKE API errors into backend sentinels.
func mapGoogleErr(resource string, err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	switch gerr.Code {
	case http.StatusNotFound:
		return backend.Wrap(backend.ErrNotFound, resource, err)
	case http.StatusConflict:
		return backend.Wrap(backend.ErrAlreadyExists, resource, err)
	case http.StatusBadRequest, http.StatusTooManyRequests:
		// GKE rejects operations on a node pool that is still being torn down.
		if containsAny(gerr.Message, "being deleted", "STOPPING", "operation in progress") {
			return backend.Wrap(backend.ErrBeingDeleted, resource, err)
		}
	}
	return err
}

// mapKubeErr translates Kubernetes API errors into backend sentinels.
func mapKubeErr(resource string, err error) error {
	switch {
	case apierrors.IsNotFound(err):
		return backend.Wrap(backend.ErrNotFound, resource, err)
	case apierrors.IsAlreadyExists(err):
		return backend.Wrap(backend.ErrAlreadyExists, resource, err)
	}
	return err
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
