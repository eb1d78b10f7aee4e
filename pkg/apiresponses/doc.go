// Package apiresponses provides the JSON response helpers shared by the ops
// server and the rate limiting middleware.
package apiresponses
