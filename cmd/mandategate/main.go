package main

import "github.com/mandategate/mandategate/cmd/mandategate/cmd"

func main() {
	cmd.Execute()
}
