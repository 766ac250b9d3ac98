package main

import "github.com/streamcast-p2p/streamcast/cmd/streamcast/cmd"

func main() {
	cmd.Execute()
}
