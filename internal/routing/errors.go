package routing

import (
	"encoding/json"
	"net/http"
)

// StatusError is an error that knows its HTTP representation. The relay
// handler writes these straight to the client.
type StatusError interface {
	error
	StatusCode() int
	Headers() map[string]string
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func marshalErrorBody(kind, message string) string {
	data, errMarshal := json.Marshal(errorBody{Error: errorDetail{Type: kind, Message: message}})
	if errMarshal != nil {
		return `{"error":{"type":"internal_error","message":"encode failure"}}`
	}
	return string(data)
}

// unknownModelError reports a request for a model the catalog does not know.
type unknownModelError struct {
	model string
}

func (e unknownModelError) Error() string {
	return marshalErrorBody("model_not_found", "model not found: "+e.model)
}

func (e unknownModelError) StatusCode() int { return http.StatusNotFound }

func (e unknownModelError) Headers() map[string]string { return nil }

// noEligibleEndpointError reports that every candidate was filtered out or
// every attempt failed.
type noEligibleEndpointError struct {
	model  string
	format string
}

func (e noEligibleEndpointError) Error() string {
	return marshalErrorBody("no_eligible_endpoint",
		"no eligible endpoint for model "+e.model+" in format "+e.format)
}

func (e noEligibleEndpointError) StatusCode() int { return http.StatusServiceUnavailable }

func (e noEligibleEndpointError) Headers() map[string]string {
	return map[string]string{"Retry-After": "5"}
}
