package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/litcurate/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "litcurate: %v\n", err)
		os.Exit(1)
	}
}
