//go:build !amd64 && !arm64

package probe

// Register snapshots are only described for amd64 and arm64. Building for
// any other architecture stops here.
var _ = probeRegistersUndefinedForThisGOARCH
