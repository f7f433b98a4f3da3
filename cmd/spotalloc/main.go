package main

import "github.com/example/spot-allocator/cmd"

func main() {
	cmd.Execute()
}
