// Package ingest defines the core types, collaborator interfaces, and error
// taxonomy shared by the batch ingestion pipeline: region and time-window
// resolution, per-scene asset acquisition, metadata recording, and run
// aggregation.
package ingest
