// Package telemetry sets up span reporting for the particle slam binary.
package telemetry

import (
	"time"

	"go.viam.com/utils/perf"
)

// DefaultReportingInterval is how often spans are reported when no interval is given.
const DefaultReportingInterval = time.Second

// SetupTelemetry starts a development exporter that reports spans every interval. The caller
// must Stop the returned exporter.
func SetupTelemetry(interval time.Duration) (perf.Exporter, error) {
	if interval <= 0 {
		interval = DefaultReportingInterval
	}
	exporter := perf.NewDevelopmentExporterWithOptions(perf.DevelopmentExporterOptions{
		ReportingInterval: interval,
	})
	if err := exporter.Start(); err != nil {
		return nil, err
	}
	return exporter, nil
}
