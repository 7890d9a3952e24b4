// Package derive inspects a directory tree and proposes a reorganization
// without mutating anything.
//
// TakeSnapshot records the tree, Detector.Analyze decides whether a
// ceiling on file count or diversity is crossed, and Plan derives the
// schema: files are bucketed by type (and by naming pattern for large
// buckets) under the target directory. The same snapshot always yields the
// same schema.
package derive
