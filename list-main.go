package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"
	"gitlab.com/mstarongitlab/goutils/sliceutils"
	"gopkg.in/yaml.v3"

	"github.com/mstarongithub/wmctl/client"
	"github.com/mstarongithub/wmctl/common/output"
)

func listMain(ctx context.Context, opts client.Options, args []string, stdout, stderr io.Writer) int {
	flags := pflag.NewFlagSet("list-outputs", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	short := flags.BoolP("short", "s", false, "Only print output names")
	asJSON := flags.Bool("json", false, "Print JSON")
	asYAML := flags.Bool("yaml", false, "Print YAML")
	activeOnly := flags.BoolP("active", "a", false, "Skip outputs that are connected but turned off")
	selection := flags.StringP("output", "o", "", "Only print the output with this name, including all its modes")
	if err := flags.Parse(args); err != nil {
		return parseExit(err)
	}
	if countTrue(*short, *asJSON, *asYAML) > 1 {
		fmt.Fprintln(stderr, "--short, --json and --yaml are mutually exclusive")
		return exitUsage
	}

	snapshot, err := client.QueryOutputs(ctx, opts)
	if err != nil {
		return fail(stderr, "querying outputs", err)
	}

	outputs := snapshot.Outputs()
	if *activeOnly {
		outputs = snapshot.Active()
	}
	if *selection != "" {
		outputs = sliceutils.Filter(outputs, func(o output.Output) bool {
			return o.Name == *selection
		})
		if len(outputs) == 0 {
			fmt.Fprintf(stderr, "Output %s not found\n", *selection)
			return exitError
		}
	}

	switch {
	case *short:
		for _, o := range outputs {
			fmt.Fprintln(stdout, o.Name)
		}
	case *asJSON:
		err = writeJSON(stdout, outputs)
	case *asYAML:
		err = yaml.NewEncoder(stdout).Encode(outputs)
	default:
		printOutputs(stdout, outputs)
	}
	if err != nil {
		return fail(stderr, "printing outputs", err)
	}
	return exitOK
}

func printOutputs(out io.Writer, outputs []output.Output) {
	for i, o := range outputs {
		if i > 0 {
			fmt.Fprintln(out)
		}
		fmt.Fprintf(out, "Output %s", o.Name)
		if label := describe(o); label != "" {
			fmt.Fprintf(out, " (%s)", label)
		}
		fmt.Fprintln(out)
		if !o.Active {
			fmt.Fprintln(out, "\tdisabled")
		} else {
			fmt.Fprintf(out, "\tposition %d,%d size %dx%d scale %g transform %s\n",
				o.Geometry.X, o.Geometry.Y, o.Geometry.Width, o.Geometry.Height, o.Scale, o.Transform)
		}
		if o.PhysicalSize != nil {
			fmt.Fprintf(out, "\tphysical size %dx%d mm\n", o.PhysicalSize.Width, o.PhysicalSize.Height)
		}
		if len(o.Modes) > 0 {
			fmt.Fprintln(out, "\tmodes:")
		}
		for _, m := range o.Modes {
			var notes []string
			if o.CurrentMode != nil && m.Width == o.CurrentMode.Width && m.Height == o.CurrentMode.Height && m.RefreshRate == o.CurrentMode.RefreshRate {
				notes = append(notes, "current")
			}
			if m.Preferred {
				notes = append(notes, "preferred")
			}
			if len(notes) > 0 {
				fmt.Fprintf(out, "\t\t- %s (%s)\n", m, strings.Join(notes, ", "))
			} else {
				fmt.Fprintf(out, "\t\t- %s\n", m)
			}
		}
	}
}

// describe prefers the compositor's description over make and model
func describe(o output.Output) string {
	if o.Description != "" {
		return o.Description
	}
	parts := sliceutils.Filter([]string{o.Make, o.Model, o.Serial}, func(s string) bool {
		return s != ""
	})
	return strings.Join(parts, " ")
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func countTrue(flags ...bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}

func parseExit(err error) int {
	if errors.Is(err, pflag.ErrHelp) {
		return exitOK
	}
	return exitUsage
}
