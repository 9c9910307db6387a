// Package planner computes the file plan of a package archive.
//
// A plan lists every entry that goes into the archive, in archive path
// order, and every conflict that makes the package unpublishable. Planning
// reads the filesystem but never writes; the archive package executes the
// plan.
//
// Key responsibilities:
//   - Apply the manifest's include and exclude globs
//   - Skip build output, VCS metadata and nested packages
//   - Replace the manifest with its normalized form and keep the original
//   - Detect conflicts (case collisions, reserved names, excluded target
//     sources, a missing readme)
package planner
