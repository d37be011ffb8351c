package main

import "github.com/cairnstore/cairn/cli"

func main() {
	cli.Execute()
}
