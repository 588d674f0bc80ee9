// Package claim implements the rename-backed file reservation protocol for
// the inbox: claim, unclaim, and collision-safe finalize into processed.
package claim
