package main

import "github.com/cheri-lab/dwarfscan/internal/cli"

func main() {
	cli.Execute()
}
