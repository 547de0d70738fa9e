package main

import (
	"github.com/SpiNNakerManchester/spalloc-server/cmd/spallocctl/cmd"
	"github.com/SpiNNakerManchester/spalloc-server/internal/common"
)

func main() {
	common.ConfigureLogging()
	cmd.Execute()
}
