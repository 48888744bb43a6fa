// Package node defines the Builder type, which builds the CLI application of
// the ballot daemon.
//
// The application has a start command by default, which runs the controllers
// until the process is interrupted. The other commands are actions sent to the
// running daemon through a UNIX socket, so that they share the components it
// started. See the example.
package node

import (
	"io"

	"go.dedis.ch/ballot/cli"
)

const (
	// AppName is the name of the application.
	AppName = "ballotd"

	// Version is the version reported by the application.
	Version = "0.3.0"

	// DefaultConfigDir is the default folder of the daemon socket.
	DefaultConfigDir = ".ballotd"
)

// Builder is handed to every controller so that it declares its commands.
type Builder interface {
	// SetCommand adds a top-level command, such as "ballot" or "blind".
	SetCommand(name string) cli.CommandBuilder

	// SetStartFlags adds flags to the start command. Their values are
	// available to every controller in OnStart.
	SetStartFlags(...cli.Flag)

	// MakeAction turns the template into a CLI action that forwards the flags
	// to the daemon, where the template is executed.
	MakeAction(ActionTemplate) cli.Action
}

// ActionTemplate is the daemon side of a command.
type ActionTemplate interface {
	// Execute runs the command with the flags sent by the CLI. Whatever is
	// written to the output is printed by the CLI.
	Execute(Context) error
}

// Context is what an action receives on the daemon: the components started
// by the controllers, the flags of the command and the output of the CLI.
type Context struct {
	Injector Injector
	Flags    cli.Flags
	Out      io.Writer
}

// Injector holds the components shared by the controllers and the actions.
type Injector interface {
	// Resolve sets the pointer to the first component assignable to its
	// element type, or returns an error when there is none.
	Resolve(interface{}) error

	// Inject adds the component, replacing any of the same type.
	Inject(interface{})
}

// Initializer is a controller of the daemon. Controllers are started in the
// order given to the builder, so that one can resolve what the previous ones
// injected, and stopped in the reverse order.
type Initializer interface {
	// SetCommands declares the commands of the controller.
	SetCommands(Builder)

	// OnStart starts the components and injects them.
	OnStart(cli.Flags, Injector) error

	// OnStop stops the components started by OnStart.
	OnStop(Injector) error
}

// Client sends the encoded request of an action to the daemon.
type Client interface {
	Send([]byte) error
}

// Daemon accepts the requests of the clients while the node runs.
type Daemon interface {
	Listen() error
	Close() error
}

// DaemonFactory creates the daemon and its clients from the flags of the
// application.
type DaemonFactory interface {
	ClientFromContext(cli.Flags) (Client, error)
	DaemonFromContext(cli.Flags) (Daemon, error)
}
