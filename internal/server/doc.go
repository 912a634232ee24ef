// Package server hosts the Fiber HTTP service and the shared upstream HTTP
// client. NewApp attaches the request-ID middleware, panic recovery and the
// error handler that maps lifecycle errors onto status codes; the routes
// subpackage registers the instance, plugin and diagnostics endpoints on top.
// Keep exports narrow and accept explicit dependencies.
package server
