// Package middleware provides HTTP middleware components for the status
// server.
//
// Available middleware:
//   - RateLimiter: Per-client rate limiting using token bucket algorithm
//
// Usage:
//
//	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
//	go rl.Run(ctx)
//	handler = rl.Middleware(handler)
package middleware
