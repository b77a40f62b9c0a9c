package runner

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Summary records the training metrics every few steps: it logs them and keeps them as plot points.
//
// It implements plots.Plotter, so it is fed by plots.AddTrainAndEvalMetrics.
// Optionally, it appends the points to a file (see WithFile), usually in the checkpoint directory,
// so the curves survive restarts.
type Summary struct {
	runID string

	mu      sync.Mutex
	points  []plots.Point
	pending []plots.Point

	pointsWriter chan<- plots.Point
	errReport    <-chan error
}

var _ plots.Plotter = (*Summary)(nil)

// NewSummary creates a Summary that tags its logs with runID.
func NewSummary(runID string) *Summary {
	return &Summary{runID: runID}
}

// WithFile loads previously recorded points from filePath, if it exists, and appends new points to it.
func (s *Summary) WithFile(filePath string) error {
	if _, err := os.Stat(filePath); err == nil {
		points, err := plots.LoadPoints(filePath)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.points = append(points, s.points...)
		s.mu.Unlock()
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to stat summary file %q", filePath)
	}
	s.mu.Lock()
	s.pointsWriter, s.errReport = plots.CreatePointsWriter(filePath)
	s.mu.Unlock()
	return nil
}

// AddPoint implements plots.Plotter.
func (s *Summary) AddPoint(point plots.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, point)
	s.pending = append(s.pending, point)
	if s.pointsWriter != nil {
		s.pointsWriter <- point
	}
}

// DynamicSampleDone implements plots.Plotter: it logs the points of the sample.
func (s *Summary) DynamicSampleDone(incomplete bool) {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(pending) == 0 {
		return
	}
	parts := make([]string, 0, len(pending))
	for _, p := range pending {
		parts = append(parts, fmt.Sprintf("%s=%.4g", p.Short, p.Value))
	}
	klog.Infof("[%s] step %d: %s", s.runID, int64(pending[0].Step), strings.Join(parts, " "))
	if incomplete {
		klog.Warningf("[%s] step %d: some metrics are NaN or infinite", s.runID, int64(pending[0].Step))
	}
}

// Record adds the training metrics of the current step of the loop.
func (s *Summary) Record(loop *train.Loop, trainMetrics []*tensors.Tensor) error {
	return plots.AddTrainAndEvalMetrics(s, loop, trainMetrics, nil, nil)
}

// Points returns a copy of all the points recorded so far.
func (s *Summary) Points() []plots.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]plots.Point(nil), s.points...)
}

// Series returns the steps and values recorded for the given metric name, in the order they were recorded.
func (s *Summary) Series(metricName string) (steps, values []float64) {
	for _, p := range s.Points() {
		if p.MetricName == metricName {
			steps = append(steps, p.Step)
			values = append(values, p.Value)
		}
	}
	return
}

// Close flushes the points file, if one is being written.
func (s *Summary) Close() error {
	s.mu.Lock()
	pointsWriter := s.pointsWriter
	s.pointsWriter = nil
	s.mu.Unlock()
	if pointsWriter == nil {
		return nil
	}
	close(pointsWriter)
	return <-s.errReport
}
