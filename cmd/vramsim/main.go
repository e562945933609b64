// Command vramsim drives the allocator stack against a simulated device. A render goroutine
// writes per-frame uniforms through a frame-local staging buffer while an import goroutine
// uploads meshes through the transfer executor, and released resources are reclaimed by frame.
package main

import (
	"os"
)

func main() {
	err := newRootCommand().Execute()
	if err != nil {
		os.Exit(1)
	}
}
