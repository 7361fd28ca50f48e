package main

import "manipwatch/internal/cli"

func main() {
	cli.Execute()
}
