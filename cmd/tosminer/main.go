package main

import "github.com/tosproject/tosminer/cmd/tosminer/commands"

func main() {
	commands.Execute()
}
