package main

import "github.com/forgefit/deferred/internal/cli"

func main() {
	cli.Execute(nil)
}
