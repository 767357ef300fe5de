// Package server hosts the Fiber HTTP service and request middleware
// chain: request-ID generation, the /nix-cache-info handshake endpoint,
// a small diagnostics surface, and the artifact catch-all routes that
// delegate to the proxy handler. Keep exports narrow and accept explicit
// dependencies so cmd entrypoints and tests can wire fakes.
package server
