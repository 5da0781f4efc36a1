package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// maxFileSize bounds the size of a tuning file.
const maxFileSize = 1 * 1024 * 1024

// TuningConfig represents the root configuration for tuning parameters.
// Every field is optional; the Get* accessors return the built-in
// default for fields that are unset, so partial files are safe.
type TuningConfig struct {
	// Linking params
	DistanceThreshold       *float64 `json:"distance_threshold,omitempty" yaml:"distance_threshold,omitempty"`
	MaxEdges                *int     `json:"max_edges,omitempty" yaml:"max_edges,omitempty"`
	SearchDepth             *int     `json:"search_depth,omitempty" yaml:"search_depth,omitempty"`
	SearchNeighbors         *int     `json:"search_neighbors,omitempty" yaml:"search_neighbors,omitempty"`
	UseInterpolation        *bool    `json:"use_interpolation,omitempty" yaml:"use_interpolation,omitempty"`
	UseOpticalFlow          *bool    `json:"use_optical_flow,omitempty" yaml:"use_optical_flow,omitempty"`
	DivisionMotionThreshold *float64 `json:"division_motion_threshold,omitempty" yaml:"division_motion_threshold,omitempty"`
	MaxPasses               *int     `json:"max_passes,omitempty" yaml:"max_passes,omitempty"`
	ExcludedDetectionTags   []string `json:"excluded_detection_tags,omitempty" yaml:"excluded_detection_tags,omitempty"`

	// Backward correction params
	CropBoxHalfSize *int `json:"crop_box_half_size,omitempty" yaml:"crop_box_half_size,omitempty"`

	// Prediction service params
	PredictionURL       *string   `json:"prediction_url,omitempty" yaml:"prediction_url,omitempty"`
	PredictionTimeout   *string   `json:"prediction_timeout,omitempty" yaml:"prediction_timeout,omitempty"` // duration string like "30s"
	PredictionRateLimit *float64  `json:"prediction_rate_limit,omitempty" yaml:"prediction_rate_limit,omitempty"`
	PredictionBurst     *int      `json:"prediction_burst,omitempty" yaml:"prediction_burst,omitempty"`
	FlowBatchSize       *int      `json:"flow_batch_size,omitempty" yaml:"flow_batch_size,omitempty"`
	FlowConcurrency     *int      `json:"flow_concurrency,omitempty" yaml:"flow_concurrency,omitempty"`
	PollInterval        *string   `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"` // duration string like "5s"
	DatasetName         *string   `json:"dataset_name,omitempty" yaml:"dataset_name,omitempty"`
	DatasetScales       []float64 `json:"dataset_scales,omitempty" yaml:"dataset_scales,omitempty"`
	DatasetShape        []int     `json:"dataset_shape,omitempty" yaml:"dataset_shape,omitempty"`

	// Storage params
	DatabasePath *string `json:"database_path,omitempty" yaml:"database_path,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields unset.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a .json, .yaml or .yml file.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", ext, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches the current directory and its parents up to the repository
// root. Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/lineage/linking/
		"../../../../" + DefaultConfigPath, // from internal/lineage/storage/sqlite/
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.DistanceThreshold != nil && (*c.DistanceThreshold <= 0 || math.IsNaN(*c.DistanceThreshold)) {
		return fmt.Errorf("distance_threshold must be positive, got %f", *c.DistanceThreshold)
	}
	if c.MaxEdges != nil && *c.MaxEdges < 1 {
		return fmt.Errorf("max_edges must be at least 1, got %d", *c.MaxEdges)
	}
	if c.SearchDepth != nil && *c.SearchDepth < 1 {
		return fmt.Errorf("search_depth must be at least 1, got %d", *c.SearchDepth)
	}
	if c.SearchNeighbors != nil && *c.SearchNeighbors < 1 {
		return fmt.Errorf("search_neighbors must be at least 1, got %d", *c.SearchNeighbors)
	}
	if c.DivisionMotionThreshold != nil && *c.DivisionMotionThreshold < 0 {
		return fmt.Errorf("division_motion_threshold must be non-negative, got %f", *c.DivisionMotionThreshold)
	}
	if c.MaxPasses != nil && *c.MaxPasses < 1 {
		return fmt.Errorf("max_passes must be at least 1, got %d", *c.MaxPasses)
	}
	if c.CropBoxHalfSize != nil && *c.CropBoxHalfSize < 1 {
		return fmt.Errorf("crop_box_half_size must be at least 1, got %d", *c.CropBoxHalfSize)
	}
	if c.PredictionRateLimit != nil && *c.PredictionRateLimit <= 0 {
		return fmt.Errorf("prediction_rate_limit must be positive, got %f", *c.PredictionRateLimit)
	}
	if c.PredictionBurst != nil && *c.PredictionBurst < 1 {
		return fmt.Errorf("prediction_burst must be at least 1, got %d", *c.PredictionBurst)
	}
	if c.FlowBatchSize != nil && *c.FlowBatchSize < 1 {
		return fmt.Errorf("flow_batch_size must be at least 1, got %d", *c.FlowBatchSize)
	}
	if c.FlowConcurrency != nil && *c.FlowConcurrency < 1 {
		return fmt.Errorf("flow_concurrency must be at least 1, got %d", *c.FlowConcurrency)
	}
	for name, d := range map[string]*string{
		"prediction_timeout": c.PredictionTimeout,
		"poll_interval":      c.PollInterval,
	} {
		if d != nil && *d != "" {
			if _, err := time.ParseDuration(*d); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *d, err)
			}
		}
	}
	if c.DatasetScales != nil && len(c.DatasetScales) != 3 {
		return fmt.Errorf("dataset_scales must have 3 entries, got %d", len(c.DatasetScales))
	}
	if c.DatasetShape != nil && len(c.DatasetShape) != 4 {
		return fmt.Errorf("dataset_shape must have 4 entries (t, z, y, x), got %d", len(c.DatasetShape))
	}
	return nil
}

// GetDistanceThreshold returns the distance_threshold value or the default.
func (c *TuningConfig) GetDistanceThreshold() float64 {
	if c.DistanceThreshold == nil {
		return 10.0
	}
	return *c.DistanceThreshold
}

// GetMaxEdges returns the max_edges value or the default.
func (c *TuningConfig) GetMaxEdges() int {
	if c.MaxEdges == nil {
		return 2
	}
	return *c.MaxEdges
}

// GetSearchDepth returns the search_depth value or the default.
func (c *TuningConfig) GetSearchDepth() int {
	if c.SearchDepth == nil {
		return 1
	}
	return *c.SearchDepth
}

// GetSearchNeighbors returns the search_neighbors value or the default.
func (c *TuningConfig) GetSearchNeighbors() int {
	if c.SearchNeighbors == nil {
		return 10
	}
	return *c.SearchNeighbors
}

func (c *TuningConfig) GetUseInterpolation() bool {
	return c.UseInterpolation != nil && *c.UseInterpolation
}

func (c *TuningConfig) GetUseOpticalFlow() bool {
	return c.UseOpticalFlow != nil && *c.UseOpticalFlow
}

// GetDivisionMotionThreshold returns the squared displacement above which a
// spot may have more than one successor.
func (c *TuningConfig) GetDivisionMotionThreshold() float64 {
	if c.DivisionMotionThreshold == nil {
		return 1.0
	}
	return *c.DivisionMotionThreshold
}

// GetMaxPasses returns the max_passes value or the default.
func (c *TuningConfig) GetMaxPasses() int {
	if c.MaxPasses == nil {
		return 5
	}
	return *c.MaxPasses
}

// GetExcludedDetectionTags returns the detection tags skipped as link
// candidates. An explicitly empty list excludes nothing.
func (c *TuningConfig) GetExcludedDetectionTags() []string {
	if c.ExcludedDetectionTags == nil {
		return []string{"false-positive"}
	}
	return c.ExcludedDetectionTags
}

// GetCropBoxHalfSize returns the crop_box_half_size value or the default.
func (c *TuningConfig) GetCropBoxHalfSize() int {
	if c.CropBoxHalfSize == nil {
		return 16
	}
	return *c.CropBoxHalfSize
}

func (c *TuningConfig) GetPredictionURL() string {
	if c.PredictionURL == nil {
		return ""
	}
	return *c.PredictionURL
}

// GetPredictionTimeout parses and returns the PredictionTimeout as a time.Duration.
func (c *TuningConfig) GetPredictionTimeout() time.Duration {
	return parseDurationOr(c.PredictionTimeout, 30*time.Second)
}

// GetPredictionRateLimit returns the maximum prediction requests per second.
func (c *TuningConfig) GetPredictionRateLimit() float64 {
	if c.PredictionRateLimit == nil {
		return 10
	}
	return *c.PredictionRateLimit
}

func (c *TuningConfig) GetPredictionBurst() int {
	if c.PredictionBurst == nil {
		return 2
	}
	return *c.PredictionBurst
}

// GetFlowBatchSize returns the number of spots sent per flow request.
func (c *TuningConfig) GetFlowBatchSize() int {
	if c.FlowBatchSize == nil {
		return 256
	}
	return *c.FlowBatchSize
}

func (c *TuningConfig) GetFlowConcurrency() int {
	if c.FlowConcurrency == nil {
		return 2
	}
	return *c.FlowConcurrency
}

// GetPollInterval parses and returns the PollInterval as a time.Duration.
func (c *TuningConfig) GetPollInterval() time.Duration {
	return parseDurationOr(c.PollInterval, 5*time.Second)
}

func (c *TuningConfig) GetDatasetName() string {
	if c.DatasetName == nil {
		return ""
	}
	return *c.DatasetName
}

// GetDatasetScales returns the voxel scale per axis (z, y, x).
func (c *TuningConfig) GetDatasetScales() [3]float64 {
	if len(c.DatasetScales) != 3 {
		return [3]float64{1, 1, 1}
	}
	return [3]float64(c.DatasetScales)
}

// GetDatasetShape returns the image shape (t, z, y, x). Zero means unknown.
func (c *TuningConfig) GetDatasetShape() [4]int {
	if len(c.DatasetShape) != 4 {
		return [4]int{}
	}
	return [4]int(c.DatasetShape)
}

// GetDatabasePath returns the database_path value or the default.
func (c *TuningConfig) GetDatabasePath() string {
	if c.DatabasePath == nil || *c.DatabasePath == "" {
		return "lineage.db"
	}
	return *c.DatabasePath
}

func parseDurationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}
