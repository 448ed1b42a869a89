package main

import (
	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

// version is set by ldflags during build
var version = "dev"

type CLI struct {
	Version   kong.VersionFlag `short:"v" help:"Show version"`
	Server    ServerCmd        `cmd:"" help:"Run the round server"`
	Reconcile ReconcileCmd     `cmd:"" help:"Pay every journaled pending credit once and exit"`
	Token     TokenCmd         `cmd:"" help:"Issue a participant token for testing"`
}

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("pitboss"),
		kong.Description("Timed multiplayer betting rounds: color game and roulette"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version,
		},
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
