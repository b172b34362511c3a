// Package jobs persists pipeline state in SQLite: the jobs themselves, one
// stage result row per (job, stage) pair, and the dead-letter record kept
// after a retry budget is exhausted. The store is the durable source of
// truth; broker acknowledgements happen only after the relevant row is
// written here.
package jobs
