package main

import "github.com/putto11262002/murmur/cmd"

func main() {
	cmd.Execute()
}
