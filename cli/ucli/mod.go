// Package ucli implements the command line builder on top of urfave/cli.
package ucli

import (
	"fmt"

	urfave "github.com/urfave/cli/v2"
	"go.dedis.ch/ballot/cli"
)

// Builder builds a urfave application from the commands declared by the
// controllers.
//
// - implements cli.Builder
type Builder struct {
	name     string
	usage    string
	version  string
	action   cli.Action
	before   cli.Action
	flags    []cli.Flag
	commands []*cmdBuilder
}

// NewBuilder returns a builder of the application with the global flags. The
// action runs when no command is given and can be nil.
func NewBuilder(name string, action cli.Action, flags ...cli.Flag) cli.Builder {
	return &Builder{
		name:   name,
		action: action,
		flags:  flags,
	}
}

// SetUsage sets the one-line description and the version of the application.
func (b *Builder) SetUsage(usage, version string) {
	b.usage = usage
	b.version = version
}

// SetBefore sets an action executed before any command, after the global
// flags are parsed. An error aborts the command.
func (b *Builder) SetBefore(action cli.Action) {
	b.before = action
}

// SetCommand implements cli.Builder.
func (b *Builder) SetCommand(name string) cli.CommandBuilder {
	cmd := &cmdBuilder{name: name}
	b.commands = append(b.commands, cmd)

	return cmd
}

// Build implements cli.Builder. The commands keep the order of declaration.
func (b Builder) Build() cli.Application {
	app := &urfave.App{
		Name:     b.name,
		Usage:    b.usage,
		Version:  b.version,
		Flags:    buildFlags(b.flags),
		Action:   makeAction(b.action),
		Before:   urfave.BeforeFunc(makeAction(b.before)),
		Commands: buildCommands(b.commands),
	}

	app.Setup()

	return app
}

// cmdBuilder collects the definition of a command and of its subcommands.
//
// - implements cli.CommandBuilder
type cmdBuilder struct {
	name        string
	description string
	action      cli.Action
	flags       []urfave.Flag
	subcommands []*cmdBuilder
}

// SetDescription implements cli.CommandBuilder.
func (b *cmdBuilder) SetDescription(value string) {
	b.description = value
}

// SetFlags implements cli.CommandBuilder.
func (b *cmdBuilder) SetFlags(flags ...cli.Flag) {
	b.flags = buildFlags(flags)
}

// SetAction implements cli.CommandBuilder.
func (b *cmdBuilder) SetAction(action cli.Action) {
	b.action = action
}

// SetSubCommand implements cli.CommandBuilder.
func (b *cmdBuilder) SetSubCommand(name string) cli.CommandBuilder {
	sub := &cmdBuilder{name: name}
	b.subcommands = append(b.subcommands, sub)

	return sub
}

func buildCommands(cmds []*cmdBuilder) []*urfave.Command {
	commands := make([]*urfave.Command, len(cmds))

	for i, cmd := range cmds {
		commands[i] = &urfave.Command{
			Name:        cmd.name,
			Usage:       cmd.description,
			Action:      makeAction(cmd.action),
			Flags:       cmd.flags,
			Subcommands: buildCommands(cmd.subcommands),
		}
	}

	return commands
}

// buildFlags converts the definitions to urfave flags. It panics on a kind of
// flag it does not know, which is a programming error.
func buildFlags(flags []cli.Flag) []urfave.Flag {
	res := make([]urfave.Flag, len(flags))

	for i, f := range flags {
		res[i] = convertFlag(f)
	}

	return res
}

func convertFlag(f cli.Flag) urfave.Flag {
	switch e := f.(type) {
	case cli.StringFlag:
		return &urfave.StringFlag{
			Name: e.Name, Usage: e.Usage, Required: e.Required, EnvVars: e.EnvVars,
			Value: e.Value,
		}
	case cli.StringSliceFlag:
		return &urfave.StringSliceFlag{
			Name: e.Name, Usage: e.Usage, Required: e.Required, EnvVars: e.EnvVars,
			Value: urfave.NewStringSlice(e.Value...),
		}
	case cli.DurationFlag:
		return &urfave.DurationFlag{
			Name: e.Name, Usage: e.Usage, Required: e.Required, EnvVars: e.EnvVars,
			Value: e.Value,
		}
	case cli.IntFlag:
		return &urfave.IntFlag{
			Name: e.Name, Usage: e.Usage, Required: e.Required, EnvVars: e.EnvVars,
			Value: e.Value,
		}
	case cli.BoolFlag:
		return &urfave.BoolFlag{
			Name: e.Name, Usage: e.Usage, Required: e.Required, EnvVars: e.EnvVars,
			Value: e.Value,
		}
	default:
		panic(fmt.Sprintf("flag type '%T' not supported", f))
	}
}

func makeAction(action cli.Action) urfave.ActionFunc {
	if action == nil {
		return nil
	}

	return func(ctx *urfave.Context) error {
		return action(ctx)
	}
}
