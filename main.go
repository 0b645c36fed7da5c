package main

import "github.com/quantumclaw/quantumclaw/cmd"

func main() {
	cmd.Execute()
}
