package main

import (
	"github.com/robotalks/m2mlink/pkg/cli/sh"
	"github.com/robotalks/m2mlink/pkg/env"

	_ "github.com/robotalks/m2mlink/pkg/cli/cmds/sys"
)

//go-build: CGO_ENABLED=0

func init() {
	env.SetupFlags()
}

func main() {
	sh.Main()
}
