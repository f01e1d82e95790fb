package engine

// Confidence math lives in store/provenance.go (ComputeConfidence, DecayAll).
// This file documents the algorithm.
//
// Confidence model:
//   - Pure recompute: initial * 0.99^days * reinforcement boost * access boost
//   - Reinforcement boost capped at 2.0, access boost at 1.5, result clamped to [0,1]
//   - DecayAll is the consolidation-time pass: stale memories (no reinforcement
//     or access inside the horizon) are multiplied by the configured factor
//   - Below min confidence memories are flagged for review, never deleted here
//   - Computed in Go (not SQL) because modernc.org/sqlite lacks pow()
//   - Runs inside Consolidate(), on demand or daily via StartConsolidationTimer()
