package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/parlo-health/parlo-call/cmd/cli/commands"
	"github.com/parlo-health/parlo-call/pkg/logger"
	"github.com/parlo-health/parlo-call/version"
)

// command line util that joins rooms and inspects the server
func main() {
	app := &cli.App{
		Name:    "parlo-cli",
		Version: version.Version,
	}

	app.Commands = append(app.Commands, commands.RoomCommands...)
	app.Commands = append(app.Commands, commands.RTCCommands...)
	app.Commands = append(app.Commands, commands.TokenCommands...)

	logger.InitDevelopment("")
	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
	}
}
