// Package middleware contains the stock rpc.Middleware stages: cookie
// extraction, session and bearer authentication, value provisioning and call
// logging. Each stage reads what earlier stages stored in the
// capability.Registry and adds its own product for later stages.
package middleware
