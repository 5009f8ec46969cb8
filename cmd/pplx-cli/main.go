package main

import (
	"os"

	"github.com/vrsandeep/pplx-kit/cmd/pplx-cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
