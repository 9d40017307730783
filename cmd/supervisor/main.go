package main

import (
	"github.com/shizukutanaka/supervisor/cmd/supervisor/commands"
)

func main() {
	commands.Execute()
}
