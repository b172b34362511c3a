// Package handlers implements the stage handlers behind every pipeline
// operation.
//
// Synthesis covers all GPU-backed operations (script, metadata, chunks,
// voiceover, prompts, thumbnail, images, video): it forwards the stage's
// operation name, payload, and upstream artifact references to the inference
// service and records the returned artifact. Upload publishes the finished
// artifact to the CDN; because publishing is not idempotent, it checks for
// an existing object first and treats one as an already-completed attempt.
//
// The Registry maps each configured operation to its handler and is the
// only construction point the worker pools need.
package handlers
