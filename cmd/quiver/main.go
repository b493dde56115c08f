package main

import "github.com/quiverdb/quiver/cmd"

func main() {
	cmd.Execute()
}
