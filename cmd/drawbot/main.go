package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := execute(os.Args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "drawbot: %s\n", err)
		os.Exit(1)
	}
}
