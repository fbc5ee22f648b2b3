package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
)

// CLI prints migration results for the migrate subcommand.
type CLI struct {
	migrator Migrator
	output   io.Writer
}

// NewCLI writes to stdout until SetOutput is called.
func NewCLI(migrator Migrator) *CLI {
	return &CLI{migrator: migrator, output: os.Stdout}
}

// SetOutput sets the output writer for CLI messages
func (c *CLI) SetOutput(w io.Writer) {
	c.output = w
}

// cliCommand is one migrate subcommand. needsArg commands take a single
// integer argument.
type cliCommand struct {
	needsArg bool
	run      func(c *CLI, ctx context.Context, n int) error
}

var cliCommands = map[string]cliCommand{
	"up": {run: func(c *CLI, ctx context.Context, _ int) error {
		return c.change(ctx, "Applying workflow schema migrations", c.migrator.Up)
	}},
	"down": {run: func(c *CLI, ctx context.Context, _ int) error {
		return c.change(ctx, "Rolling back the last workflow schema migration", c.migrator.Down)
	}},
	"down-all": {run: func(c *CLI, ctx context.Context, _ int) error {
		return c.change(ctx, "Dropping the workflow schema", c.migrator.DownAll)
	}},
	"steps": {needsArg: true, run: func(c *CLI, ctx context.Context, n int) error {
		msg := fmt.Sprintf("Applying %d migration(s)", n)
		if n < 0 {
			msg = fmt.Sprintf("Rolling back %d migration(s)", -n)
		}
		return c.change(ctx, msg, func(ctx context.Context) error { return c.migrator.Steps(ctx, n) })
	}},
	"goto": {needsArg: true, run: func(c *CLI, ctx context.Context, n int) error {
		if n < 0 {
			return fmt.Errorf("goto: version must not be negative")
		}
		return c.change(ctx, fmt.Sprintf("Migrating to version %d", n),
			func(ctx context.Context) error { return c.migrator.Goto(ctx, uint(n)) })
	}},
	"force": {needsArg: true, run: func(c *CLI, ctx context.Context, n int) error {
		return c.change(ctx, fmt.Sprintf("Forcing version %d", n),
			func(ctx context.Context) error { return c.migrator.Force(ctx, n) })
	}},
	"version": {run: func(c *CLI, ctx context.Context, _ int) error { return c.printVersion(ctx) }},
	"status":  {run: func(c *CLI, ctx context.Context, _ int) error { return c.printStatus(ctx) }},
	"info":    {run: func(c *CLI, ctx context.Context, _ int) error { return c.printInfo(ctx) }},
}

// Run dispatches a migrate subcommand: up, down, down-all, steps N,
// goto V, force V, version, status or info. No arguments means up.
func (c *CLI) Run(ctx context.Context, args []string) error {
	name := "up"
	if len(args) > 0 {
		name = args[0]
	}
	cmd, ok := cliCommands[name]
	if !ok {
		return fmt.Errorf("unknown migrate command %q", name)
	}
	n := 0
	if cmd.needsArg {
		if len(args) < 2 {
			return fmt.Errorf("%s requires a number", name)
		}
		var err error
		if n, err = strconv.Atoi(args[1]); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return cmd.run(c, ctx, n)
}

// change runs a schema-changing operation and reports the resulting version.
func (c *CLI) change(ctx context.Context, what string, op func(context.Context) error) error {
	fmt.Fprintf(c.output, "%s...\n", what)
	if err := op(ctx); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.output, "Done. Current version: %d\n", info.CurrentVersion)
	return nil
}

func (c *CLI) printVersion(ctx context.Context) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to get version: %w", err)
	}
	switch {
	case version == 0:
		fmt.Fprintln(c.output, "No migrations applied yet.")
	case dirty:
		fmt.Fprintf(c.output, "Current version: %d (dirty, run force after fixing the schema)\n", version)
	default:
		fmt.Fprintf(c.output, "Current version: %d\n", version)
	}
	return nil
}

func (c *CLI) printStatus(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}
	if len(statuses) == 0 {
		fmt.Fprintln(c.output, "No migrations found.")
		return nil
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS")
	for _, s := range statuses {
		state := "pending"
		switch {
		case s.Dirty:
			state = "dirty"
		case s.Applied:
			state = "applied"
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, state)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return c.printInfo(ctx)
}

func (c *CLI) printInfo(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get info: %w", err)
	}
	fmt.Fprintf(c.output, "version=%d dirty=%v total=%d applied=%d pending=%d\n",
		info.CurrentVersion, info.Dirty, info.TotalMigrations, info.AppliedMigrations, info.PendingMigrations)
	return nil
}
