package main

import "github.com/Brownie44l1/cxr-api/internal/cli"

func main() {
	cli.Execute()
}
