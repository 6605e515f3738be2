package main

import (
	"os"

	"github.com/babelcloud/avmerge/cmd"
	"github.com/babelcloud/avmerge/internal/util"
)

func main() {
	util.InitLogger(os.Stderr, util.IsVerbose())
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
