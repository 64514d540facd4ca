package main

import "github.com/hungrysocks/AnonPost/cmd"

func main() {
	cmd.Execute()
}
