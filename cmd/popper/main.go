package main

import (
	"os"

	"github.com/msto63/popper/cmd/popper/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
