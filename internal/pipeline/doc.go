// Package pipeline holds the validated stage definition set: the dependency
// DAG, the stage-to-queue routing table, and the pure evaluation logic that
// decides which stages of a job are eligible to run next. The package has no
// side effects; emission, persistence, and broker traffic belong to the
// workflow layer.
package pipeline
