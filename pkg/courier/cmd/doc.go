// Package cmd implements the courier command line: serve runs the long-lived
// daemon, send runs one campaign from a request file, version prints build info.
package cmd
