package vision

import (
	"go.uber.org/zap"

	"github.com/tunogya/visionquant/pkg/chart"
)

// Dataset is a list of chart images that decoded cleanly at construction.
type Dataset struct {
	paths   []string
	size    int
	dropped []string
}

// NewDataset validates every path and keeps the readable, correctly sized
// images. Rejected files are logged and listed by Dropped.
func NewDataset(paths []string, size int, logger *zap.Logger) *Dataset {
	if logger == nil {
		logger = zap.NewNop()
	}
	ds := &Dataset{size: size}
	for _, p := range paths {
		if err := chart.Validate(p, size); err != nil {
			logger.Warn("Dropping unreadable chart image", zap.String("path", p), zap.Error(err))
			ds.dropped = append(ds.dropped, p)
			continue
		}
		ds.paths = append(ds.paths, p)
	}
	return ds
}

// Len returns the number of usable images.
func (d *Dataset) Len() int { return len(d.paths) }

// Path returns the i-th image path.
func (d *Dataset) Path(i int) string { return d.paths[i] }

// Dropped lists the paths rejected at construction.
func (d *Dataset) Dropped() []string { return d.dropped }

// Load decodes the i-th image into a model input tensor.
func (d *Dataset) Load(i int) ([]float64, error) {
	return chart.LoadTensor(d.paths[i], d.size)
}
