// This file contains the UNIX socket transport between the commands of the
// CLI and the running daemon.
//
// A request is the little-endian index of the action on two bytes followed by
// the JSON encoding of the flags. The daemon answers with a stream of JSON
// replies, one per write of the action, and closes the connection when the
// action returns.

package node

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.dedis.ch/ballot"
	"go.dedis.ch/ballot/cli"
	"golang.org/x/xerrors"
)

// SocketName is the name of the socket file in the daemon folder.
const SocketName = "daemon.sock"

const ioTimeout = 30 * time.Second

var promActions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "ballot_daemon_actions_total",
	Help: "number of actions executed by the daemon by result",
}, []string{"result"})

func init() {
	ballot.PromCollectors = append(ballot.PromCollectors, promActions)
}

// reply is a message of the daemon to the client.
type reply struct {
	Failed bool
	Text   string
}

// socketClient sends a single action to the daemon per call.
//
// - implements node.Client
type socketClient struct {
	socketpath  string
	out         io.Writer
	dialTimeout time.Duration
	dialFn      func(network, addr string, timeout time.Duration) (net.Conn, error)
}

// Send implements node.Client. It writes the request and copies the output of
// the action until the daemon closes the connection. A failure reply becomes
// the returned error.
func (c socketClient) Send(data []byte) error {
	conn, err := c.dialFn("unix", c.socketpath, c.dialTimeout)
	if err != nil {
		return xerrors.Errorf("couldn't open connection: %v", err)
	}

	defer conn.Close()

	_, err = conn.Write(data)
	if err != nil {
		return xerrors.Errorf("couldn't write to daemon: %v", err)
	}

	dec := json.NewDecoder(conn)

	for {
		var msg reply

		err = dec.Decode(&msg)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return xerrors.Errorf("fail to decode reply: %v", err)
		}

		if msg.Failed {
			return xerrors.New(msg.Text)
		}

		fmt.Fprintln(c.out, msg.Text)
	}
}

// socketDaemon executes the actions received on a UNIX socket. The socket is
// only accessible to the user running the daemon, so that nobody else can
// request a blind signature or a ledger transaction.
//
// - implements node.Daemon
type socketDaemon struct {
	sync.WaitGroup

	logger      zerolog.Logger
	socketpath  string
	injector    Injector
	actions     *actionMap
	closing     chan struct{}
	readTimeout time.Duration
	listenFn    func(network, addr string) (net.Listener, error)
}

// Listen implements node.Daemon. It binds the socket and accepts the
// connections in the background. A socket file left by a daemon that did not
// stop properly is replaced, but a live daemon is never taken over.
func (d *socketDaemon) Listen() error {
	err := d.claimSocket()
	if err != nil {
		return err
	}

	socket, err := d.listenFn("unix", d.socketpath)
	if err != nil {
		return xerrors.Errorf("couldn't bind socket: %v", err)
	}

	err = os.Chmod(d.socketpath, 0600)
	if err != nil {
		socket.Close()
		return xerrors.Errorf("couldn't restrict socket: %v", err)
	}

	d.Add(2)

	go func() {
		defer d.Done()

		<-d.closing
		socket.Close()
	}()

	go func() {
		defer d.Done()

		d.serve(socket)
	}()

	d.logger.Info().Msg("daemon is listening")

	return nil
}

// Close implements node.Daemon. It stops accepting connections and waits for
// the listener to return.
func (d *socketDaemon) Close() error {
	close(d.closing)
	d.Wait()

	return nil
}

func (d *socketDaemon) claimSocket() error {
	_, err := os.Stat(d.socketpath)
	if os.IsNotExist(err) {
		return nil
	}

	conn, err := net.DialTimeout("unix", d.socketpath, time.Second)
	if err == nil {
		conn.Close()
		return xerrors.Errorf("a daemon is already listening on %s", d.socketpath)
	}

	d.logger.Warn().Err(err).Msg("removing stale socket")

	err = os.Remove(d.socketpath)
	if err != nil {
		return xerrors.Errorf("couldn't remove stale socket: %v", err)
	}

	return nil
}

func (d *socketDaemon) serve(socket net.Listener) {
	for {
		conn, err := socket.Accept()
		if err != nil {
			select {
			case <-d.closing:
			default:
				d.logger.Err(err).Msg("daemon closed unexpectedly")
			}
			return
		}

		go d.handleConn(conn)
	}
}

func (d *socketDaemon) handleConn(conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(d.readTimeout))

	header := make([]byte, 2)

	_, err := conn.Read(header)
	if err == io.EOF {
		// The client only checked that the daemon is up.
		return
	}
	if err != nil {
		d.fail(conn, xerrors.Errorf("stream corrupted: %v", err))
		return
	}

	flags := make(FlagSet)

	err = json.NewDecoder(conn).Decode(&flags)
	if err != nil {
		d.fail(conn, xerrors.Errorf("failed to decode flags: %v", err))
		return
	}

	index := binary.LittleEndian.Uint16(header)

	action := d.actions.Get(index)
	if action == nil {
		promActions.WithLabelValues("unknown").Inc()
		d.fail(conn, xerrors.Errorf("unknown command '%d'", index))
		return
	}

	start := time.Now()

	err = action.Execute(Context{
		Injector: d.injector,
		Flags:    flags,
		Out:      newClientWriter(conn),
	})

	logger := d.logger.With().
		Str("action", fmt.Sprintf("%T", action)).
		Dur("duration", time.Since(start)).
		Logger()

	if err != nil {
		promActions.WithLabelValues("failed").Inc()
		logger.Info().Err(err).Msg("action failed")
		d.fail(conn, xerrors.Errorf("command error: %v", err))
		return
	}

	promActions.WithLabelValues("ok").Inc()
	logger.Debug().Msg("action done")
}

func (d *socketDaemon) fail(conn net.Conn, err error) {
	err = json.NewEncoder(conn).Encode(reply{Failed: true, Text: err.Error()})
	if err != nil {
		d.logger.Warn().Err(err).Msg("connection to daemon has error")
	}
}

// clientWriter forwards the output of an action to the client, one reply per
// write.
//
// - implements io.Writer
type clientWriter struct {
	enc *json.Encoder
}

func newClientWriter(w io.Writer) *clientWriter {
	return &clientWriter{
		enc: json.NewEncoder(w),
	}
}

// Write implements io.Writer.
func (w *clientWriter) Write(data []byte) (int, error) {
	err := w.enc.Encode(reply{Text: string(data)})
	if err != nil {
		return 0, xerrors.Errorf("while packing data: %v", err)
	}

	return len(data), nil
}

// socketFactory creates the daemon and its clients on the socket of the
// daemon folder.
//
// - implements node.DaemonFactory
type socketFactory struct {
	injector Injector
	actions  *actionMap
	out      io.Writer
}

// ClientFromContext implements node.DaemonFactory.
func (f socketFactory) ClientFromContext(ctx cli.Flags) (Client, error) {
	client := socketClient{
		socketpath:  socketPath(ctx),
		out:         f.out,
		dialTimeout: ioTimeout,
		dialFn:      net.DialTimeout,
	}

	return client, nil
}

// DaemonFromContext implements node.DaemonFactory.
func (f socketFactory) DaemonFromContext(ctx cli.Flags) (Daemon, error) {
	path := socketPath(ctx)

	daemon := &socketDaemon{
		logger:      ballot.Logger.With().Str("daemon", path).Logger(),
		socketpath:  path,
		injector:    f.injector,
		actions:     f.actions,
		closing:     make(chan struct{}),
		readTimeout: ioTimeout,
		listenFn:    net.Listen,
	}

	return daemon, nil
}

func socketPath(ctx cli.Flags) string {
	return filepath.Join(ctx.Path("config"), SocketName)
}
