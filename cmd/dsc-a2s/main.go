package main

import "github.com/blacktop/dsc-a2s/cmd/dsc-a2s/cmd"

func main() {
	cmd.Execute()
}
