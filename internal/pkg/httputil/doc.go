// Package httputil holds the JSON request and response helpers shared by the
// HTTP handlers and the API client.
package httputil
