// Package cmd defines the searchcore CLI.
//
// Commands:
//   - serve: HTTP API (crawl sessions, search, profiles, event streams) plus
//     the background index resync loop. Reacts to SIGTERM by pausing running
//     sessions so they can resume on the next start.
//   - crawl: runs one session in-process and prints the final session JSON.
//   - reindex: rebuilds the in-memory index from the store and runs one
//     resync cycle.
//
// Configuration comes from --config (YAML) and SEARCHCORE_* environment
// variables. Exit status is 2 when the store stays unreachable past
// server.startup_grace and 1 for any other error.
package cmd
