// Package httputil holds the JSON response and request helpers shared by
// the delivery API handlers. Every error leaves the API as an ErrorResponse.
package httputil
