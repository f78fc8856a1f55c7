// Package config implements the attributes of the particle slam service: decoding, validation
// and defaulting.
package config

import (
	"os"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	rdkutils "go.viam.com/rdk/utils"
	"go.viam.com/utils"
	"gopkg.in/yaml.v3"

	"github.com/viam-modules/particle-slam/grid"
	"github.com/viam-modules/particle-slam/slam"
)

// newError returns an error specific to a failure in the particle slam config.
func newError(configError string) error {
	return errors.Errorf("particle slam configuration error: %s", configError)
}

// MapBounds is the square of the world the map covers, in meters.
type MapBounds struct {
	XMin float64 `json:"x_min"`
	XMax float64 `json:"x_max"`
	YMin float64 `json:"y_min"`
	YMax float64 `json:"y_max"`
}

// Config describes how to configure the particle slam service. Unset numeric attributes take
// their default value in GetOptionalParameters; attributes whose zero value is meaningful are
// pointers.
type Config struct {
	DataPath  string `json:"data_path"`
	OutputDir string `json:"output_dir"`

	NumParticles          int        `json:"num_particles"`
	Resolution            float64    `json:"resolution"`
	MapBounds             *MapBounds `json:"map_bounds"`
	OccupiedProbThreshold float64    `json:"occupied_prob_threshold"`
	LogOddsMax            float64    `json:"log_odds_max"`
	MotionNoise           float64    `json:"motion_noise"`
	ResamplingThreshold   *float64   `json:"resampling_threshold"`
	FreeSpaceScale        *float64   `json:"free_space_scale"`
	FreeSpaceSamples      int        `json:"free_space_samples"`
	Workers               int        `json:"workers"`

	LidarDMin                 float64  `json:"lidar_dmin"`
	LidarDMax                 float64  `json:"lidar_dmax"`
	LidarHeight               *float64 `json:"lidar_height"`
	HeadHeight                *float64 `json:"head_height"`
	LidarAngularResolutionDeg float64  `json:"lidar_angular_resolution_deg"`
}

// FromAttributes decodes and validates a Config from an attribute map.
func FromAttributes(attrs rdkutils.AttributeMap, path string) (*Config, error) {
	conf, err := resource.TransformAttributeMap[*Config](attrs)
	if err != nil {
		return nil, newError(err.Error())
	}
	if err := conf.Validate(path); err != nil {
		return nil, newError(err.Error())
	}
	return conf, nil
}

// Load reads a YAML attribute file and decodes it with FromAttributes.
func Load(path string) (*Config, error) {
	attrs, err := readAttributes(path)
	if err != nil {
		return nil, err
	}
	return FromAttributes(attrs, path)
}

// Read decodes a YAML attribute file without validating it, so that overrides can be applied
// before Validate is called.
func Read(path string) (*Config, error) {
	attrs, err := readAttributes(path)
	if err != nil {
		return nil, err
	}
	conf, err := resource.TransformAttributeMap[*Config](attrs)
	if err != nil {
		return nil, newError(err.Error())
	}
	return conf, nil
}

func readAttributes(path string) (rdkutils.AttributeMap, error) {
	//nolint:gosec
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %v", path)
	}
	attrs := rdkutils.AttributeMap{}
	if err := yaml.Unmarshal(b, &attrs); err != nil {
		return nil, newError(err.Error())
	}
	return attrs, nil
}

// Validate checks that the required attributes are present and the rest are in range.
func (config *Config) Validate(path string) error {
	if config.DataPath == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "data_path")
	}

	for _, v := range []struct {
		name  string
		value float64
	}{
		{"num_particles", float64(config.NumParticles)},
		{"resolution", config.Resolution},
		{"log_odds_max", config.LogOddsMax},
		{"motion_noise", config.MotionNoise},
		{"free_space_samples", float64(config.FreeSpaceSamples)},
		{"workers", float64(config.Workers)},
		{"lidar_dmin", config.LidarDMin},
		{"lidar_dmax", config.LidarDMax},
		{"lidar_angular_resolution_deg", config.LidarAngularResolutionDeg},
	} {
		if v.value < 0 {
			return errors.Errorf("cannot specify %v less than zero", v.name)
		}
	}
	if config.FreeSpaceScale != nil && *config.FreeSpaceScale < 0 {
		return errors.New("cannot specify free_space_scale less than zero")
	}

	if p := config.OccupiedProbThreshold; p != 0 && (p <= 0 || p >= 1) {
		return errors.New("occupied_prob_threshold must be between 0 and 1")
	}
	if r := config.ResamplingThreshold; r != nil && (*r < 0 || *r > 1) {
		return errors.New("resampling_threshold must be between 0 and 1")
	}
	if b := config.MapBounds; b != nil && (b.XMax <= b.XMin || b.YMax <= b.YMin) {
		return errors.New("map_bounds must have x_min < x_max and y_min < y_max")
	}
	if config.LidarDMax != 0 && config.LidarDMax <= config.LidarDMin {
		return errors.New("lidar_dmax must be greater than lidar_dmin")
	}
	return nil
}

// GetOptionalParameters fills every unset attribute with its default and returns the
// resulting filter configuration.
func GetOptionalParameters(config *Config, logger logging.Logger) slam.Config {
	cfg := slam.DefaultConfig()

	setInt := func(name string, value int, dst *int) {
		if value == 0 {
			logger.Debugf("no %v given, setting to default value of %v", name, *dst)
			return
		}
		*dst = value
	}
	setFloat := func(name string, value float64, dst *float64) {
		if value == 0 {
			logger.Debugf("no %v given, setting to default value of %v", name, *dst)
			return
		}
		*dst = value
	}
	setOptionalFloat := func(name string, value *float64, dst *float64) {
		if value == nil {
			logger.Debugf("no %v given, setting to default value of %v", name, *dst)
			return
		}
		*dst = *value
	}

	setInt("num_particles", config.NumParticles, &cfg.NumParticles)
	setInt("free_space_samples", config.FreeSpaceSamples, &cfg.FreeSamples)
	setInt("workers", config.Workers, &cfg.Workers)

	setFloat("resolution", config.Resolution, &cfg.Grid.Resolution)
	setFloat("occupied_prob_threshold", config.OccupiedProbThreshold, &cfg.Grid.OccupiedProbThreshold)
	setFloat("log_odds_max", config.LogOddsMax, &cfg.Grid.LogOddsMax)
	setFloat("motion_noise", config.MotionNoise, &cfg.MotionNoiseVariance)
	setFloat("lidar_dmin", config.LidarDMin, &cfg.Sensor.DMin)
	setFloat("lidar_dmax", config.LidarDMax, &cfg.Sensor.DMax)
	setFloat("lidar_angular_resolution_deg", config.LidarAngularResolutionDeg, &cfg.Sensor.AngularResolutionDeg)

	setOptionalFloat("resampling_threshold", config.ResamplingThreshold, &cfg.ResamplingThreshold)
	setOptionalFloat("free_space_scale", config.FreeSpaceScale, &cfg.Grid.FreeScale)
	setOptionalFloat("lidar_height", config.LidarHeight, &cfg.Sensor.LidarHeight)
	setOptionalFloat("head_height", config.HeadHeight, &cfg.Sensor.HeadHeight)

	if b := config.MapBounds; b != nil {
		cfg.Grid.XMin, cfg.Grid.XMax, cfg.Grid.YMin, cfg.Grid.YMax = b.XMin, b.XMax, b.YMin, b.YMax
	} else {
		d := grid.DefaultConfig()
		logger.Debugf("no map_bounds given, setting to default value of [%v, %v]x[%v, %v]", d.XMin, d.XMax, d.YMin, d.YMax)
	}
	return cfg
}
