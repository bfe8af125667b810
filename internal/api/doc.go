// Package api handles incoming HTTP requests, request validation, and
// response formatting. It adapts thumbnail requests onto the task dispatcher
// and translates terminal pipeline updates into HTTP responses.
package api
