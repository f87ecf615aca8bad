// Package httputil holds the JSON response and query parsing helpers shared
// by the API handlers. Domain errors map to status codes in one place,
// FromError, so handlers never pick statuses themselves.
package httputil
