// Command loxjit is a small driver exercising internal/interp.VM with
// jit.Engine attached. It runs one of the built-in demo programs (see
// demos.go) rather than a source file: there is no scanner or compiler
// in this module, so demo bytecode is assembled by hand.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/urfave/cli/v3"

	"github.com/loxxgo/tracejit/internal/interp"
	"github.com/loxxgo/tracejit/jit"
)

func main() {
	cmd := &cli.Command{
		Name:  "loxjit",
		Usage: "run the built-in tracing-JIT demo programs",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "jit", Value: true, Usage: "enable the tracing JIT"},
			&cli.BoolFlag{Name: "jit-debug", Value: false, Usage: "log recorder/engine lifecycle transitions"},
			&cli.IntFlag{Name: "hot-threshold", Value: 0, Usage: "override the profiler's hot back-edge threshold (0 = default)"},
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "run a single demo program and exit",
				ArgsUsage: "<demo-name>",
				Action:    runAction,
			},
			{
				Name:   "list",
				Usage:  "list available demo programs",
				Action: listAction,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return repl(cmd)
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "loxjit:", err)
		os.Exit(1)
	}
}

func listAction(ctx context.Context, cmd *cli.Command) error {
	for _, name := range DemoNames() {
		fmt.Println(name)
	}
	return nil
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	name := cmd.Args().First()
	if name == "" {
		return fmt.Errorf("usage: loxjit run <demo-name>")
	}
	out, err := runDemo(cmd, name)
	if err != nil {
		return err
	}
	for _, line := range out {
		fmt.Println(line)
	}
	return nil
}

// engineConfig builds a jit.Config from the root command's flags, shared
// by both the one-shot `run` subcommand and the REPL.
func engineConfig(cmd *cli.Command) jit.Config {
	root := cmd.Root()
	cfg := jit.DefaultConfig()
	cfg.Enabled = root.Bool("jit")
	cfg.Debug = root.Bool("jit-debug")
	if cfg.Debug {
		cfg.Logger = jit.NewStdLogger(log.New(os.Stderr, "", log.LstdFlags))
	}
	if n := root.Int("hot-threshold"); n > 0 {
		cfg.Profiler.HotThreshold = int(n)
	}
	return cfg
}

// runDemo builds a fresh VM and Engine, runs the named demo to
// completion, and returns its printed output lines.
func runDemo(cmd *cli.Command, name string) ([]string, error) {
	build, ok := demos[name]
	if !ok {
		return nil, fmt.Errorf("unknown demo %q (see `loxjit list`)", name)
	}

	vm := interp.New()
	engine := jit.NewEngine(engineConfig(cmd))
	vm.JIT = engine

	code := build()
	if err := vm.Run(code); err != nil {
		return nil, fmt.Errorf("running %s: %w", name, err)
	}
	return vm.Printed, nil
}

// repl drops into an interactive shell over chzyer/readline: each line is
// either a demo name to run (reusing one VM+Engine across invocations, so
// a loop can be run twice to observe the second run hit an already
// installed trace) or one of a few REPL commands.
func repl(cmd *cli.Command) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "loxjit> ",
		HistoryFile:     "",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	vm := interp.New()
	engine := jit.NewEngine(engineConfig(cmd))
	vm.JIT = engine

	fmt.Println("loxjit REPL: type `list`, a demo name, or `exit`")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		name := strings.TrimSpace(line)
		switch name {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "list":
			for _, n := range DemoNames() {
				fmt.Println(" ", n)
			}
			continue
		}

		build, ok := demos[name]
		if !ok {
			fmt.Fprintf(os.Stderr, "unknown demo %q (try `list`)\n", name)
			continue
		}
		vm.Printed = nil
		if err := vm.Run(build()); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}
		for _, out := range vm.Printed {
			fmt.Println(out)
		}
	}
}
