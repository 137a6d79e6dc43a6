package main

import "github.com/vmwarden/vmwarden/internal/cli"

func main() {
	cli.Execute()
}
