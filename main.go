package main

import "goodtape/cmd"

func main() {
	cmd.Execute()
}
