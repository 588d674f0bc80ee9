// Package main hosts the courier CLI entrypoint and command graph.
//
// The Cobra-based command tree resolves configuration (file plus flag
// overrides), sets up structured logging, and delegates to the internal
// packages: ping and status query the server, upload drives a single run,
// watch keeps an eye on the inbox, and history reads the local run database.
package main
