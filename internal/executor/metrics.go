package executor

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	digest "github.com/opencontainers/go-digest"
)

const (
	cacheHitMarker     = "CACHED"
	stepBoundaryMarker = "=>"

	// SecondsSavedPerHit is the fixed estimate of build time saved by one cached step.
	SecondsSavedPerHit = 2
)

var (
	digestPattern = regexp.MustCompile(`sha256:[a-f0-9]{64}`)
	sizePattern   = regexp.MustCompile(`size:\s*(\d+)`)
)

// Metrics is what a build's progress output reveals about it.
type Metrics struct {
	Hits      int
	Total     int
	Digest    string
	SizeBytes int64
}

// Parse scans executor output. A line may count as both a hit and a step.
func Parse(output string) Metrics {
	var m Metrics
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, cacheHitMarker) {
			m.Hits++
		}
		if strings.Contains(line, stepBoundaryMarker) {
			m.Total++
		}
	}
	if match := digestPattern.FindString(output); match != "" {
		if d := digest.Digest(match); d.Validate() == nil {
			m.Digest = d.String()
		}
	}
	if match := sizePattern.FindStringSubmatch(output); match != nil {
		if size, err := strconv.ParseInt(match[1], 10, 64); err == nil {
			m.SizeBytes = size
		}
	}
	return m
}

// HitRate is hits/total, or 0 when no steps ran.
func (m Metrics) HitRate() float64 {
	if m.Total <= 0 {
		return 0
	}
	return float64(m.Hits) / float64(m.Total)
}

// SavedSeconds estimates the time cached steps saved.
func (m Metrics) SavedSeconds() int {
	return m.Hits * SecondsSavedPerHit
}

// BillableMinutes rounds a duration in whole seconds up to minutes.
func BillableMinutes(durationSeconds int) int {
	if durationSeconds <= 0 {
		return 0
	}
	return int(math.Ceil(float64(durationSeconds) / 60))
}
