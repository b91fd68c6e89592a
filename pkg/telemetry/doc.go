// telemetry provides metrics and leveled logging for nested spans of work.
// Supported metrics includes:
// - rps(*_started_total)
// - success/error count(*_handled_total)
// - latency histogram(*_handling_seconds_bucket)
//
// Spans are nested by kind. With kinds ["run", "step"], every step metric is
// labeled with the name of the run that contains it.
package telemetry
