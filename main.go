package main

import "github.com/gridfeed/cammesa/cmd"

func main() {
	cmd.Execute()
}
