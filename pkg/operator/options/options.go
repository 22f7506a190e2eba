/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package options carries the control plane configuration: defaults,
// optional YAML file, environment overrides, struct-tag validation.
package options

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
	"sigs.k8s.io/yaml"

	serviceopts "github.com/packfleet/packfleet/pkg/controllers/service"
	healthopts "github.com/packfleet/packfleet/pkg/health"
	registryopts "github.com/packfleet/packfleet/pkg/registry"
	scheduleropts "github.com/packfleet/packfleet/pkg/scheduler"
)

// Options is the full configuration tree. Scenario timing depends on the
// defaults here; overrides must stay exposed.
type Options struct {
	// ProductionMode locks out every chaos surface.
	ProductionMode bool `json:"productionMode"`
	// ChaosEnabled opts into fault injection outside production.
	ChaosEnabled bool `json:"chaosEnabled"`
	// PodTokenSecret signs pod tokens; required in production.
	PodTokenSecret string `json:"podTokenSecret"`
	// Seed drives every PRNG in the process.
	Seed int64 `json:"seed"`

	// ListenAddr serves the node websocket endpoint; empty disables it.
	ListenAddr string `json:"listenAddr"`
	// DebugAddr serves the chaos/ops HTTP surface; empty disables it.
	DebugAddr string `json:"debugAddr"`

	// HeartbeatInterval is what nodes are told to beat at; the control
	// plane's own timeouts derive from the health options.
	HeartbeatInterval time.Duration `json:"heartbeatInterval" validate:"min=1s"`

	Registry   registryopts.Options  `json:"registry"`
	Health     healthopts.Options    `json:"health"`
	Scheduler  scheduleropts.Options `json:"scheduler"`
	Reconciler serviceopts.Options   `json:"reconciler"`
}

func Defaults() Options {
	return Options{
		Seed:              1,
		ListenAddr:        ":8440",
		DebugAddr:         ":8441",
		HeartbeatInterval: 15 * time.Second,
		Registry:          registryopts.DefaultOptions(),
		Health:            healthopts.DefaultOptions(),
		Scheduler:         scheduleropts.DefaultOptions(),
		Reconciler:        serviceopts.DefaultOptions(),
	}
}

// Load builds options from defaults, an optional YAML file, and the
// environment, then validates.
func Load(path string) (Options, error) {
	opts := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return opts, fmt.Errorf("reading config %s, %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &opts); err != nil {
			return opts, fmt.Errorf("parsing config %s, %w", path, err)
		}
	}
	opts.applyEnv()
	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

func (o *Options) applyEnv() {
	if v, ok := os.LookupEnv("PRODUCTION_MODE"); ok {
		o.ProductionMode = parseBool(v)
	}
	if v, ok := os.LookupEnv("CHAOS_ENABLED"); ok {
		o.ChaosEnabled = parseBool(v)
	}
	if v, ok := os.LookupEnv("POD_TOKEN_SECRET"); ok {
		o.PodTokenSecret = v
	}
	if v, ok := os.LookupEnv("CHAOS_SEED"); ok {
		if seed, err := strconv.ParseInt(v, 10, 64); err == nil {
			o.Seed = seed
		}
	}
	if v, ok := os.LookupEnv("LISTEN_ADDR"); ok {
		o.ListenAddr = v
	}
	if v, ok := os.LookupEnv("DEBUG_ADDR"); ok {
		o.DebugAddr = v
	}
}

func (o Options) Validate() error {
	errs := validator.New().Struct(o)
	if o.ProductionMode && o.PodTokenSecret == "" {
		errs = multierr.Append(errs, fmt.Errorf("POD_TOKEN_SECRET is required in production"))
	}
	if o.Seed == 0 {
		errs = multierr.Append(errs, fmt.Errorf("seed must be non-zero"))
	}
	return errs
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
