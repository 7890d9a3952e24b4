// Package telemetry provides the OpenTelemetry MeterProvider used for tool
// call metrics.
//
// When telemetry is disabled, Meter returns the global no-op meter, so
// instrumented code never needs to check whether export is configured.
// Export failures degrade the instance instead of failing startup.
package telemetry
