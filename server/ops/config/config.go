package config

import (
	"bytes"
	"flag"
	"os"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"gopkg.in/yaml.v3"
)

var configFile = flag.String("config", "", "path to a config yaml")

const (
	MinRefresh = time.Second
	MaxRefresh = 30 * time.Second
)

type Config struct {
	// DefaultSubnet is the first-three-octet prefix preselected for
	// subnet scope, e.g. "10.0.0".
	DefaultSubnet  string `yaml:"default_subnet"`
	RefreshSeconds int    `yaml:"refresh_seconds"`

	Recency    Recency    `yaml:"recency"`
	Simulation Simulation `yaml:"simulation"`
}

// Recency holds the tier boundaries (multiples of the refresh interval)
// and tier opacities. The right thresholds are operationally tuned, not
// semantically fixed, so they live in config rather than code.
type Recency struct {
	ActiveMultiplier float64 `yaml:"active_multiplier"`
	RecentMultiplier float64 `yaml:"recent_multiplier"`

	ActiveOpacity         float64 `yaml:"active_opacity"`
	ActiveCapturedOpacity float64 `yaml:"active_captured_opacity"`
	RecentOpacity         float64 `yaml:"recent_opacity"`
	StaleOpacity          float64 `yaml:"stale_opacity"`
}

type Simulation struct {
	Width  float64 `yaml:"width"`
	Height float64 `yaml:"height"`

	BaseLinkDistance float64 `yaml:"base_link_distance"`
	MinLinkFactor    float64 `yaml:"min_link_factor"`
	MaxLinkFactor    float64 `yaml:"max_link_factor"`

	RepulsionGain        float64 `yaml:"repulsion_gain"`
	MaxRepulsionDistance float64 `yaml:"max_repulsion_distance"`
	CollisionPadding     float64 `yaml:"collision_padding"`
	CenterGain           float64 `yaml:"center_gain"`

	Alpha       float64       `yaml:"alpha"`
	AlphaDecay  float64       `yaml:"alpha_decay"`
	Epsilon     float64       `yaml:"epsilon"`
	MaxTicks    int           `yaml:"max_ticks"`
	MaxDuration time.Duration `yaml:"max_duration"`
}

func Default() Config {
	return Config{
		RefreshSeconds: 5,
		Recency: Recency{
			ActiveMultiplier:      2,
			RecentMultiplier:      6,
			ActiveOpacity:         0.95,
			ActiveCapturedOpacity: 1.0,
			RecentOpacity:         0.5,
			StaleOpacity:          0.15,
		},
		Simulation: Simulation{
			Width:                1200,
			Height:               800,
			BaseLinkDistance:     140,
			MinLinkFactor:        0.45,
			MaxLinkFactor:        1.8,
			RepulsionGain:        24000,
			MaxRepulsionDistance: 420,
			CollisionPadding:     6,
			CenterGain:           0.02,
			Alpha:                0.35,
			AlphaDecay:           0.985,
			Epsilon:              0.08,
			MaxTicks:             600,
			MaxDuration:          2 * time.Second,
		},
	}
}

func (c Config) RefreshInterval() time.Duration {
	d := time.Duration(c.RefreshSeconds) * time.Second
	if d < MinRefresh {
		return MinRefresh
	}
	if d > MaxRefresh {
		return MaxRefresh
	}
	return d
}

var config = Default()

func MustLoadConfig() {
	if *configFile == "" {
		return
	}
	b, err := os.ReadFile(*configFile)
	if err != nil {
		panic(err)
	}
	config, err = decodeConfig(b)
	if err != nil {
		panic(err)
	}
}

func GetConfig() Config {
	return config
}

func decodeConfig(content []byte) (Config, error) {
	c := Default()
	d := yaml.NewDecoder(bytes.NewReader(content))
	d.KnownFields(true)
	err := d.Decode(&c)
	if err != nil {
		return Config{}, errors.Wrap(err, "decode config", j.KV("file", *configFile))
	}
	return c, nil
}
