package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envFlag := &cli.StringFlag{Name: "env", Usage: "path to an env file", Value: ".env"}
	messageFlag := &cli.StringFlag{Name: "message", Aliases: []string{"m"}, Usage: "message id of the job", Required: true}

	app := &cli.Command{
		Name:  "jobctl",
		Usage: "operate text-to-3D generation jobs",
		Commands: []*cli.Command{
			{
				Name:   "recover",
				Usage:  "run one recovery sweep and wait for resumed jobs to settle",
				Flags:  []cli.Flag{envFlag},
				Action: recoverAction,
			},
			{
				Name:   "status",
				Usage:  "print a job as JSON",
				Flags:  []cli.Flag{envFlag, messageFlag},
				Action: statusAction,
			},
			{
				Name:   "resume",
				Usage:  "restart polling for a job and wait for it to settle",
				Flags:  []cli.Flag{envFlag, messageFlag},
				Action: resumeAction,
			},
			{
				Name:   "revert",
				Usage:  "roll a failed refine back to its preview",
				Flags:  []cli.Flag{envFlag, messageFlag},
				Action: revertAction,
			},
			{
				Name:  "set-provider-key",
				Usage: "store the provider API key in the integration token table",
				Flags: []cli.Flag{
					envFlag,
					&cli.StringFlag{Name: "key", Usage: "API key, falls back to MESHY_API_KEY", Sources: cli.EnvVars("MESHY_API_KEY")},
				},
				Action: setProviderKeyAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "jobctl:", err)
		os.Exit(1)
	}
}
