package main

import "mailflow/internal/cli"

func main() {
	cli.Execute()
}
