package main

import "github.com/kiesman99/fieldstitch/cmd"

func main() {
	cmd.Execute()
}
