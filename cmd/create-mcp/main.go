package main

import "github.com/broisnischal/create/cmd/create-mcp/cmd"

func main() {
	cmd.Execute()
}
