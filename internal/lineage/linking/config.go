package linking

import (
	"fmt"
	"slices"

	"github.com/banshee-data/lineage/internal/config"
	"github.com/banshee-data/lineage/internal/lineage"
)

// Config holds the parameters shared by the Linker and the
// BackwardCorrector.
type Config struct {
	// DistanceThreshold is a distance; it is compared against squared
	// distances as its square.
	DistanceThreshold float64
	// MaxEdges is the number of successors a dividing or fast-moving spot
	// may have.
	MaxEdges int
	// SearchDepth is how many earlier timepoints are searched.
	SearchDepth int
	// SearchNeighbors caps the candidates examined per timepoint.
	SearchNeighbors int
	UseInterpolation bool
	UseOpticalFlow   bool
	// DivisionMotionThreshold is a squared displacement above which a
	// spot is allowed MaxEdges successors instead of one.
	DivisionMotionThreshold float64
	// MaxPasses bounds the passes the Linker makes over one timepoint.
	MaxPasses             int
	ExcludedDetectionTags []lineage.Tag
	// CropBoxHalfSize is the half-size of the region sent to the
	// detection service during backward correction.
	CropBoxHalfSize int
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	c, _ := ConfigFromTuning(config.EmptyTuningConfig())
	return c
}

// ConfigFromTuning builds an engine Config from the tuning configuration.
func ConfigFromTuning(cfg *config.TuningConfig) (Config, error) {
	c := Config{
		DistanceThreshold:       cfg.GetDistanceThreshold(),
		MaxEdges:                cfg.GetMaxEdges(),
		SearchDepth:             cfg.GetSearchDepth(),
		SearchNeighbors:         cfg.GetSearchNeighbors(),
		UseInterpolation:        cfg.GetUseInterpolation(),
		UseOpticalFlow:          cfg.GetUseOpticalFlow(),
		DivisionMotionThreshold: cfg.GetDivisionMotionThreshold(),
		MaxPasses:               cfg.GetMaxPasses(),
		CropBoxHalfSize:         cfg.GetCropBoxHalfSize(),
	}
	for _, name := range cfg.GetExcludedDetectionTags() {
		tag, err := lineage.ParseTag(name)
		if err != nil {
			return Config{}, fmt.Errorf("excluded_detection_tags: %w", err)
		}
		c.ExcludedDetectionTags = append(c.ExcludedDetectionTags, tag)
	}
	return c, nil
}

func (c Config) sqThreshold() float64 { return c.DistanceThreshold * c.DistanceThreshold }

func (c Config) excluded(tag lineage.Tag) bool {
	return slices.Contains(c.ExcludedDetectionTags, tag)
}
