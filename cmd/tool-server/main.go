// cmd/tool-server/main.go
package main

import (
	"github.com/alecthomas/kong"
)

// Globals are flags shared by every command.
type Globals struct {
	Config string `help:"Path to a config file. Defaults to configs/config.yaml." type:"path" env:"CONFIG_PATH"`
}

var cli struct {
	Globals

	Serve    ServeCmd    `cmd:"" default:"1" help:"Run the HTTP API and the Zeebe job workers."`
	List     ListCmd     `cmd:"" help:"List the loaded tool templates."`
	Validate ValidateCmd `cmd:"" help:"Load every template and report the files that were skipped."`
	Call     CallCmd     `cmd:"" help:"Call one tool and print the result as JSON."`
	Stats    StatsCmd    `cmd:"" help:"Print per-tool audit summaries."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("tool-server"),
		kong.Description("Template-driven LLM field tools: classify, tag and extract over batches."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}
