package telemetry

import (
	"context"
	"testing"

	"go.opencensus.io/trace"
	"go.viam.com/test"
)

func TestSetupTelemetry(t *testing.T) {
	exporter, err := SetupTelemetry(0)
	test.That(t, err, test.ShouldBeNil)
	defer exporter.Stop()

	_, span := trace.StartSpan(context.Background(), "particleslam::telemetry::test")
	span.End()
}
