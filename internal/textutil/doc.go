// Package textutil provides text helpers shared by the job store, handlers,
// and workflow layer.
//
// The primary use cases are:
//   - Deriving display titles from submitted topic strings
//   - Creating token-based fingerprints from text for comparison
//   - Computing cosine similarity between fingerprints
//   - Sanitizing path segments for safe use in object keys
//
// Fingerprints use term frequency vectors normalized for efficient comparison.
// The tokenization process lowercases text, splits on non-alphanumeric characters,
// and filters tokens shorter than 3 characters.
package textutil
