package main

import "specbot/cmd"

func main() {
	cmd.Execute()
}
