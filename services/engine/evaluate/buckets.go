// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evaluate

import (
	"regexp"
)

// FailureBucket classifies a test failure by its signature.
type FailureBucket string

const (
	// BucketCompilation covers build and syntax failures.
	BucketCompilation FailureBucket = "compilation"

	// BucketTypes covers type checking failures.
	BucketTypes FailureBucket = "types"

	// BucketRuntime covers crashes, panics, and runtime exceptions.
	BucketRuntime FailureBucket = "runtime"

	// BucketAssertion covers ordinary test assertion failures.
	BucketAssertion FailureBucket = "assertion"

	// BucketSnapshot covers golden-file and snapshot mismatches.
	BucketSnapshot FailureBucket = "snapshot"

	// BucketTimeout covers tests killed for exceeding their deadline.
	BucketTimeout FailureBucket = "timeout"
)

// String returns the string representation of the bucket.
func (b FailureBucket) String() string {
	return string(b)
}

// bucketSignature pairs a bucket with the regex that recognizes it.
type bucketSignature struct {
	bucket FailureBucket
	re     *regexp.Regexp
}

// signatures are checked in order; the first match wins, so the more
// specific signatures come before the catch-all runtime patterns.
var signatures = []bucketSignature{
	{BucketTimeout, regexp.MustCompile(`(?i)(timed? ?out|deadline exceeded|test killed after)`)},
	{BucketSnapshot, regexp.MustCompile(`(?i)(snapshot (mismatch|differs|failed)|golden file)`)},
	{BucketCompilation, regexp.MustCompile(`(?i)(compil(e|ation) (error|failed)|syntax error|undefined reference|cannot find (symbol|module|package)|undefined:|undeclared name)`)},
	{BucketTypes, regexp.MustCompile(`(?i)(type (error|mismatch)|mismatched types|incompatible type|cannot use .* as .* value)`)},
	{BucketRuntime, regexp.MustCompile(`(?i)(panic:|segmentation fault|nil pointer|index out of range|stack overflow|runtime error|uncaught exception)`)},
	{BucketAssertion, regexp.MustCompile(`(?i)(assert(ion)? fail|expected .* (got|but was|actual)|not equal|FAIL:|want .* got)`)},
}

// classifyFailure buckets one failure output into exactly one bucket.
// Output that matches no signature counts as an assertion failure, the
// weakest claim about the cause.
func classifyFailure(output string) FailureBucket {
	for _, sig := range signatures {
		if sig.re.MatchString(output) {
			return sig.bucket
		}
	}
	return BucketAssertion
}
