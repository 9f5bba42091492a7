// Package server hosts the Fiber HTTP service and the middleware chain that
// sits in front of the interception handler. It attaches recovery and request
// id middleware, reserves the /-/ prefix for diagnostics and control routes,
// and hands every other request to a ProxyHandler. Keep exports narrow and
// accept explicit dependencies.
package server
