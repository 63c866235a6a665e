package main

import (
	"os"

	"github.com/jagveer-loky/ab2d/ab2dworker/cli"
	"github.com/jagveer-loky/ab2d/log"
)

func main() {
	app := cli.GetApp()
	if err := app.Run(os.Args); err != nil {
		log.Worker.Fatal(err)
	}
}
