package main

import "github.com/arcward/dismod/cmd"

func main() {
	cmd.Execute()
}
