// Package observability provides metrics utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrSuccess = "success"
	attrValid   = "valid"
	attrFrom    = "from"
	attrTo      = "to"
	attrTrigger = "trigger"
	attrBackend = "backend"
	attrOp      = "op"
	attrOutcome = "outcome"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with IDs to reduce cardinality
	// /v1/jobs/INTP000001 -> /v1/jobs/{jobId}
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func validAttr(valid bool) attribute.KeyValue {
	return attribute.Bool(attrValid, valid)
}

func fromAttr(state string) attribute.KeyValue {
	return attribute.String(attrFrom, state)
}

func toAttr(state string) attribute.KeyValue {
	return attribute.String(attrTo, state)
}

func triggerAttr(trigger string) attribute.KeyValue {
	return attribute.String(attrTrigger, trigger)
}

func backendAttr(backend string) attribute.KeyValue {
	return attribute.String(attrBackend, backend)
}

func opAttr(op string) attribute.KeyValue {
	return attribute.String(attrOp, op)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

// normalizePath replaces dynamic path segments with placeholders.
func normalizePath(path string) string {
	const prefix = "/v1/jobs/"
	if len(path) > len(prefix) && strings.HasPrefix(path, prefix) {
		return "/v1/jobs/{jobId}"
	}
	return path
}
