// kimage builds the kernel for a board, assembles its FAT32 filesystem image
// and boots both under QEMU.
package main

import (
	"github.com/bitswalk/kimage/src/kimage/core"
)

func main() {
	core.Execute()
}
