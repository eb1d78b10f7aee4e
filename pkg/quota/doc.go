// Package quota implements the admission governor that guards provider sends
// with a global daily quota, a per-user daily quota and a global
// requests-per-second ceiling.
package quota
