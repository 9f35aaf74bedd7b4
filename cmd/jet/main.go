// SPDX-License-Identifier: MIT
// Copyright (c) 2020 Brian Starkey <stark3y@gmail.com>
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"github.com/usedbytes/jet-tools/lib/config"
	"github.com/usedbytes/log"
)

func modeAction(mode config.Mode) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		job, err := jobFromFlags(ctx, mode)
		if err != nil {
			return err
		}

		if mode == config.ModeSign {
			if ctx.NArg() != 1 {
				return errors.New("Expected exactly one image to sign")
			}
			job.Output = ctx.Args().First()
			if job.Sign == nil {
				job.Sign = &config.Signing{Tool: ctx.String("tool")}
			}
		}

		return runJob(ctx.Context, job)
	}
}

func runAction(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return errors.New("Expected exactly one job file")
	}

	job, err := config.LoadJob(ctx.Args().First())
	if err != nil {
		return err
	}

	if out := ctx.String("dump"); len(out) > 0 {
		if err := job.WriteTOML(out); err != nil {
			return err
		}
	}

	return runJob(ctx.Context, job)
}

func main() {
	app := &cli.App{
		Name:  "jet",
		Usage: "Encrypt, personalise and package JN51xx firmware images",
		// Just ignore errors - we'll handle them ourselves in main()
		ExitErrHandler: func(c *cli.Context, e error) {},
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:     "verbose",
				Aliases:  []string{"v"},
				Usage:    "Enable more output",
				Required: false,
				Value:    false,
			},
		},
	}

	app.Commands = []*cli.Command{
		{
			Name:   "bin",
			Usage:  "Encrypt a whole image",
			Action: modeAction(config.ModeBin),
			Flags:  concat(deviceFlags, keyFlags, inputFlags, binFlags, otaFlags),
		},
		{
			Name:   "com",
			Usage:  "Encrypt one image per row of the field data files",
			Action: modeAction(config.ModeCom),
			Flags:  concat(deviceFlags, keyFlags, inputFlags, fieldFlags, otaFlags),
		},
		{
			Name:   "combine",
			Usage:  "Build one un-encrypted image per row of the field data files",
			Action: modeAction(config.ModeCombine),
			Flags: concat(deviceFlags, keyFlags, inputFlags, fieldFlags, []cli.Flag{
				&cli.BoolFlag{
					Name:    "enable-encrypt",
					Aliases: []string{"a"},
					Usage:   "Pad the code length for a device which will have encryption enabled",
				},
				&cli.BoolFlag{
					Name:    "private-encrypt",
					Aliases: []string{"g"},
					Usage:   "Encrypt 21 byte private key fields with the index key",
				},
			}),
		},
		{
			Name:   "sde",
			Usage:  "Write the encrypted per-device fields as serialisation data",
			Action: modeAction(config.ModeSDE),
			Flags: concat(deviceFlags, keyFlags, inputFlags, []cli.Flag{
				outputFlag("Serialisation data `FILE`"),
				&cli.StringFlag{
					Name:     "fields",
					Aliases:  []string{"x"},
					Usage:    "Field configuration `FILE`",
					Required: true,
				},
			}),
		},
		{
			Name:   "otamerge",
			Usage:  "Build an OTA upgrade file from a client (and server) image",
			Action: modeAction(config.ModeOTAMerge),
			Flags:  concat(deviceFlags, keyFlags, otaFlags, mergeFlags, signFlags),
		},
		{
			Name:      "sign",
			Usage:     "Apply a certificate to an image",
			ArgsUsage: "IMAGE_FILE",
			Action:    modeAction(config.ModeSign),
			Flags:     signFlags,
		},
		{
			Name:      "run",
			Usage:     "Run a job described by a TOML file",
			ArgsUsage: "JOB_FILE",
			Action:    runAction,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "dump",
					Usage: "Write the loaded job back out to `FILE`",
				},
			},
		},
	}

	app.Before = func(ctx *cli.Context) error {
		log.SetUseLog(false)

		log.SetVerbose(ctx.Bool("verbose"))
		log.Verboseln("Extra output enabled.")
		return nil
	}

	sigctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := app.RunContext(sigctx, os.Args)
	if err != nil {
		log.Println("ERROR:", err)
		if v, ok := err.(cli.ExitCoder); ok {
			os.Exit(v.ExitCode())
		} else {
			os.Exit(1)
		}
	}
}
