// Package memory implements the hybrid memory engine for recall.
// It provides:
// 1. Durable memory records with owner/project/type scoping.
// 2. A typed relationship graph between memories.
// 3. Per-owner session context (current project pointer).
// 4. Hybrid retrieval combining vector similarity with structured filters.
package memory
