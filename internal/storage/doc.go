// Package storage provides the durable report-history layer.
//
// Terminal task records (one row per finished analysis) are appended here by
// the runner; the read path backs the /api/reports listing. Active task
// state is never persisted; that lives in the in-memory registry.
package storage
