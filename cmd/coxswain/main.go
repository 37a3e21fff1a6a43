package main

import "github.com/coxswain-dev/coxswain/internal/cli"

func main() {
	cli.Execute()
}
