package main

import "options-mm/internal/cli"

func main() {
	cli.Execute()
}
