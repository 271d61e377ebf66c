// Package api implements the HTTP surface for task submission, queue
// management, and scheduler observability, including request validation
// and the mapping of internal errors onto safe HTTP responses.
package api
