// Package observability provides metrics, tracing, and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrMethod   = "method"
	attrPath     = "path"
	attrStatus   = "status"
	attrBackend  = "backend"
	attrFunction = "function"
	attrSuccess  = "success"
	attrOutcome  = "outcome"
	attrHit      = "hit"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func backendAttr(backend string) attribute.KeyValue {
	return attribute.String(attrBackend, backend)
}

func functionAttr(function string) attribute.KeyValue {
	return attribute.String(attrFunction, function)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func hitAttr(hit bool) attribute.KeyValue {
	return attribute.Bool(attrHit, hit)
}

// placeholders names the dynamic segments of each API route, by position.
var placeholders = map[string][]string{
	"jobs":     {"", "", "{executorId}", "{jobId}", "", "{callId}", ""},
	"runtimes": {"", "", "{name}"},
}

// normalizePath replaces ids in API paths with placeholders to bound
// cardinality: /v1/jobs/abc/A000 -> /v1/jobs/{executorId}/{jobId}.
func normalizePath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return path
	}
	names, ok := placeholders[parts[1]]
	if !ok {
		return path
	}
	for i := 2; i < len(parts) && i < len(names); i++ {
		if names[i] != "" {
			parts[i] = names[i]
		}
	}
	return "/" + strings.Join(parts, "/")
}

// WithBackend returns a metric option with the backend attribute.
func WithBackend(backend string) metric.MeasurementOption {
	return metric.WithAttributes(backendAttr(backend))
}

// WithSuccess returns a metric option with the success attribute.
func WithSuccess(success bool) metric.MeasurementOption {
	return metric.WithAttributes(successAttr(success))
}
