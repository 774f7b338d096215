// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/mstarongithub/wmctl/client"
	"github.com/mstarongithub/wmctl/config"
)

// Exit codes
const (
	exitOK          = 0
	exitError       = 1
	exitUsage       = 2
	exitInterrupted = 130
)

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, opts client.Options, args []string, stdout, stderr io.Writer) int
}

var commands = []command{
	{"list-outputs", "Print the outputs of the running compositor", listMain},
	{"watch-for-output-changes", "Wait until outputs are added, removed or changed", watchMain},
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	global := pflag.NewFlagSet("wmctl", pflag.ContinueOnError)
	global.SetOutput(stderr)
	// Everything after the command name belongs to the command
	global.SetInterspersed(false)
	configPath := global.StringP("config", "c", "", "Path to the config file. Default is wmctl/config.toml in the XDG config dirs")
	verbose := global.CountP("verbose", "v", "Log more, repeat for debug output")
	global.Usage = func() { usage(stderr, global) }

	if err := global.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if global.NArg() == 0 {
		usage(stderr, global)
		return exitUsage
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == global.Arg(0) {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fmt.Fprintf(stderr, "Unknown command %q\n\n", global.Arg(0))
		usage(stderr, global)
		return exitUsage
	}

	conf, err := config.Load(*configPath)
	if err != nil {
		return fail(stderr, "loading config", err)
	}
	setupLogging(conf, *verbose, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := client.OptionsFromConfig(conf)
	return cmd.run(ctx, opts, global.Args()[1:], stdout, stderr)
}

func setupLogging(conf *config.Config, verbose int, out io.Writer) {
	logrus.SetOutput(out)
	// Validated by config.Load
	level, _ := logrus.ParseLevel(conf.LogLevel)
	switch {
	case verbose >= 2:
		level = max(level, logrus.DebugLevel)
	case verbose == 1:
		level = max(level, logrus.InfoLevel)
	}
	logrus.SetLevel(level)
	logrus.WithField("level", level).Debugln("Logging set up")
}

func usage(out io.Writer, global *pflag.FlagSet) {
	fmt.Fprintln(out, "Usage: wmctl [global flags] <command> [command flags]")
	fmt.Fprintln(out, "\nCommands:")
	for _, c := range commands {
		fmt.Fprintf(out, "\t%s: %s\n", c.name, c.summary)
	}
	fmt.Fprintln(out, "\nGlobal flags:")
	fmt.Fprint(out, global.FlagUsages())
	fmt.Fprintln(out, "\nRun wmctl <command> --help for the flags of a command")
}

// fail reports err and picks the exit code for it
func fail(stderr io.Writer, msg string, err error) int {
	if errors.Is(err, context.Canceled) {
		return exitInterrupted
	}
	fmt.Fprintf(stderr, "error %s: %s\n", msg, err)
	return exitError
}
