// Package server hosts the Fiber HTTP service of the node: the request
// middleware chain (request IDs, per-IP rate limiting, error pages), the
// hath-facing routes for files, speed tests and control commands, and the
// listener runner that rebinds when the control server moves the node to a
// new host or port. Admin and diagnostics surfaces live in server/routes and
// are attached by the caller.
package server
