package main

import (
	"os"

	"github.com/wanghenshui/Tendis/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
