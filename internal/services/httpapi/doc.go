// Package httpapi serves the management API: rule CRUD, schedule entries,
// on-demand materialization and preview, and iCalendar export.
//
// The server binds to loopback by default. Binding anywhere else requires a
// bearer token or an explicit allow-insecure override; the service refuses to
// start otherwise.
package httpapi
