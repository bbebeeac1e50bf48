package main

import "github.com/jun/graphdrive/internal/cli"

func main() {
	cli.Execute()
}
