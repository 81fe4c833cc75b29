// boardbuilder is a circuit build daemon: it accepts signed build requests,
// fetches the requested repository revision, compiles the circuit sources,
// stores the resulting artifacts, and reports the outcome upstream.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/boardbuilder/internal/version"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"boardbuilder.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Serve struct{} `cmd:"" help:"Start the build daemon"`

	Init struct {
		Force bool `help:"Overwrite existing configuration file"`
	} `cmd:"" help:"Write a sample configuration file"`

	Status struct {
		JobID  string `arg:"" help:"Job id to query"`
		Server string `short:"s" help:"Server base URL" default:"http://localhost:8080"`
	} `cmd:"" help:"Query the status of a build job"`

	Version struct{} `cmd:"" help:"Print the version"`
}

// logLevel is adjustable at runtime via config reload.
var logLevel = new(slog.LevelVar)

func main() {
	ctx := kong.Parse(&CLI)

	if CLI.Verbose {
		logLevel.Set(slog.LevelDebug)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	var err error
	switch ctx.Command() {
	case "serve":
		err = runServe(CLI.Config)
	case "init":
		err = runInit(CLI.Config, CLI.Init.Force)
	case "status <job-id>":
		err = runStatus(CLI.Status.Server, CLI.Status.JobID)
	case "version":
		fmt.Println(version.Version)
	}
	if err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
