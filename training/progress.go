package training

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ProgressBar provides terminal training progress visualization
type ProgressBar struct {
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar
func NewProgressBar(description string, total int) *ProgressBar {
	return &ProgressBar{
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       50,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Println()
}

func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	if filled > pb.width {
		filled = pb.width
	}
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime).Truncate(time.Second)

	names := make([]string, 0, len(pb.metrics))
	for name := range pb.metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	var metricsStr strings.Builder
	for _, name := range names {
		fmt.Fprintf(&metricsStr, " %s=%.4g", name, pb.metrics[name])
	}

	fmt.Printf("\r%s [%s] %d/%d %s%s", pb.description, bar, pb.current, pb.total, elapsed, metricsStr.String())
}
