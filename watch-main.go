package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/mstarongithub/wmctl/client"
	"github.com/mstarongithub/wmctl/common/output"
)

// watchMain blocks until the outputs change. With --follow it keeps printing
// changes until interrupted.
func watchMain(ctx context.Context, opts client.Options, args []string, stdout, stderr io.Writer) int {
	flags := pflag.NewFlagSet("watch-for-output-changes", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	follow := flags.BoolP("follow", "f", false, "Keep watching after the first change")
	asJSON := flags.Bool("json", false, "Print one JSON object per change")
	if err := flags.Parse(args); err != nil {
		return parseExit(err)
	}

	waiter := client.NewWaiter(opts)
	defer waiter.Close()

	emit := func(event output.ChangeEvent) error {
		if *asJSON {
			return json.NewEncoder(stdout).Encode(event)
		}
		_, err := fmt.Fprintln(stdout, describeChange(event))
		return err
	}

	if !*follow {
		events, err := waiter.Next(ctx)
		if err != nil {
			return fail(stderr, "watching outputs", err)
		}
		for _, event := range events {
			if err := emit(event); err != nil {
				return fail(stderr, "printing change", err)
			}
		}
		return exitOK
	}

	for event, err := range waiter.Watch(ctx) {
		if err != nil {
			return fail(stderr, "watching outputs", err)
		}
		if err := emit(event); err != nil {
			return fail(stderr, "printing change", err)
		}
	}
	logrus.Debugln("Stopped watching")
	if ctx.Err() != nil {
		return exitInterrupted
	}
	return exitOK
}

func describeChange(event output.ChangeEvent) string {
	switch event.Kind {
	case output.Added:
		if label := describe(*event.New); label != "" {
			return fmt.Sprintf("added %s (%s)", event.ID, label)
		}
	case output.Modified:
		if event.Old.CurrentMode != nil && event.New.CurrentMode != nil && *event.Old.CurrentMode != *event.New.CurrentMode {
			return fmt.Sprintf("modified %s: %s -> %s", event.ID, event.Old.CurrentMode, event.New.CurrentMode)
		}
	}
	return event.String()
}
