package main

import "github.com/starward/starcore/cmd"

func main() {
	cmd.Execute()
}
