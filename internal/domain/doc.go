// Package domain holds the value types shared by the provider client, the
// cache, the ingestion pipeline and the repositories: cache identities,
// metric and rollup rows, ingest logs, coverage, audience snapshots and the
// typed errors callers branch on.
//
// Nothing here touches a database, an HTTP request or another internal
// package. Helpers are limited to pure functions over these types, such as
// date normalization and range validation.
package domain
