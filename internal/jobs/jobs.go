// Package jobs resolves the build job count.
package jobs

import (
	"github.com/danieljhkim/cairn/internal/errs"
)

// Resolve returns the number of concurrent compiler invocations.
//
// requested is the -j flag (nil when absent), configured is build.jobs from
// configuration (0 when unset) and cores is the logical core count. A negative
// count is subtracted from cores and floored at 1. Zero is rejected wherever
// it comes from.
func Resolve(requested *int, configured, cores int) (int, error) {
	if cores < 1 {
		cores = 1
	}
	n := configured
	if requested != nil {
		n = *requested
	} else if configured == 0 {
		return cores, nil
	}

	switch {
	case n == 0:
		return 0, errs.Configf("jobs may not be 0")
	case n < 0:
		return max(1, cores+n), nil
	default:
		return n, nil
	}
}
