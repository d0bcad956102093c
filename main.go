package main

import (
	"os"

	"github.com/pmkol/tiercache/coremain"
)

func main() {
	if err := coremain.Run(); err != nil {
		os.Exit(1)
	}
}
