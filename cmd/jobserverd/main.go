// Command jobserverd is a demonstration host for a jobserver.Server: it
// spawns a fixed number of worker children with their jobserver pipe fds
// wired through exec.Cmd.ExtraFiles, drives the Poll loop until asked to
// stop, and supports a SIGHUP-triggered zero-downtime binary upgrade of
// its own control listener via tableflip. Adapted from the teacher's
// graceful_restarts/{tbflip,SocketHandoff,systemd-socket-activation}
// programs; see DESIGN.md.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudflare/tableflip"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"jobserver"
	"jobserver/flagcodec"
)

var ansiColors = []string{"\033[31m", "\033[32m", "\033[33m", "\033[34m", "\033[35m", "\033[37m"}

func main() {
	app := &cli.App{
		Name:  "jobserverd",
		Usage: "host a jobserver.Server and a fixed pool of worker children",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "jobs", Aliases: []string{"j"}, Value: 0, Usage: "token pool size (0 = host CPU count)"},
			&cli.IntFlag{Name: "children", Value: 2, Usage: "number of worker children to spawn"},
			&cli.StringFlag{Name: "worker", Value: "", Usage: "path to the worker binary each child execs (defaults to this binary with JOBSERVERD_WORKER=1)"},
			&cli.StringFlag{Name: "control-addr", Value: ":0", Usage: "address for the optional upgradeable control listener"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("jobserverd: exiting")
	}
}

func run(cctx *cli.Context) error {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if os.Getenv("JOBSERVERD_WORKER") == "1" {
		return runWorker(log)
	}

	pid := os.Getpid()
	rnd := rand.New(rand.NewSource(time.Now().UnixNano() + int64(pid)))
	color := ansiColors[rnd.Intn(len(ansiColors))]
	logf := func(format string, args ...interface{}) {
		log.Infof(color+format+"\033[0m", args...)
	}

	upg, err := tableflip.New(tableflip.Options{})
	if err != nil {
		return fmt.Errorf("jobserverd: tableflip.New: %w", err)
	}
	defer upg.Stop()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGHUP)
		for range sig {
			logf("[%d] received SIGHUP, requesting upgrade", pid)
			if err := upg.Upgrade(); err != nil {
				log.WithError(err).Warn("jobserverd: upgrade failed")
			}
		}
	}()

	// The control listener is what tableflip actually hands off across an
	// upgrade; the jobserver.Server's own pipes are created fresh each run
	// and are not part of that handoff (a spawned worker's pipe pair is
	// meaningless to a successor process that doesn't share its children).
	ln, err := upg.Listen("tcp", cctx.String("control-addr"))
	if err != nil {
		return fmt.Errorf("jobserverd: upg.Listen: %w", err)
	}
	defer ln.Close()

	srv, err := jobserver.NewServer(cctx.Int("jobs"), log)
	if err != nil {
		return fmt.Errorf("jobserverd: NewServer: %w", err)
	}
	defer srv.Close()

	controlSrv := &http.Server{Handler: statusHandler(srv, log)}
	go func() {
		if err := controlSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("jobserverd: control listener stopped")
		}
	}()

	children, err := spawnChildren(cctx, srv, log)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range children {
			_ = c.cmd.Process.Kill()
			_ = srv.CleanupClient(c.id, true)
		}
	}()

	if err := upg.Ready(); err != nil {
		return fmt.Errorf("jobserverd: upg.Ready: %w", err)
	}
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.WithError(err).Debug("jobserverd: sd_notify not available, continuing")
	}
	logf("[%d] ready with %d children", pid, len(children))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-upg.Exit():
			logf("[%d] upgrade complete, shutting down control listener", pid)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return controlSrv.Shutdown(ctx)
		case <-stop:
			logf("[%d] shutting down", pid)
			return nil
		default:
			if _, err := srv.Poll(250); err != nil {
				log.WithError(err).Error("jobserverd: poll cycle failed")
				return err
			}
		}
	}
}

type spawnedChild struct {
	id  jobserver.ChildID
	cmd *exec.Cmd
}

func spawnChildren(cctx *cli.Context, srv *jobserver.Server, log logrus.FieldLogger) ([]spawnedChild, error) {
	worker := cctx.String("worker")
	var cmdPath string
	var extraEnv []string
	if worker != "" {
		cmdPath = worker
	} else {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("jobserverd: os.Executable: %w", err)
		}
		cmdPath = self
		extraEnv = []string{"JOBSERVERD_WORKER=1"}
	}

	var children []spawnedChild
	for i := 0; i < cctx.Int("children"); i++ {
		id, files, err := srv.CreateClient()
		if err != nil {
			return nil, fmt.Errorf("jobserverd: CreateClient: %w", err)
		}

		cmd := exec.Command(cmdPath)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.ExtraFiles = []*os.File{files.Read, files.Write}
		fds := jobserver.ChildFDsForExtraFiles(0)
		cmd.Env = append(os.Environ(), extraEnv...)
		cmd.Env = append(cmd.Env, "MAKEFLAGS="+srv.Flags(fds))

		if err := cmd.Start(); err != nil {
			files.Read.Close()
			files.Write.Close()
			return nil, fmt.Errorf("jobserverd: starting child %d: %w", i, err)
		}
		files.Read.Close()
		files.Write.Close()

		log.WithFields(logrus.Fields{"child": id, "pid": cmd.Process.Pid}).Info("jobserverd: worker started")
		children = append(children, spawnedChild{id: id, cmd: cmd})
	}
	return children, nil
}

// runWorker is what a spawned child execs into: a trivial program that
// acquires and releases jobserver tokens to demonstrate the protocol
// without depending on a real build tool being present.
func runWorker(log logrus.FieldLogger) error {
	flags := os.Getenv("MAKEFLAGS")
	fds, err := flagcodec.ExtractFDs(flags)
	if err != nil {
		return err
	}
	client, err := jobserver.NewClient(jobserver.PassFDs{Read: fds.Read, Write: fds.Write})
	if err != nil {
		return err
	}
	defer client.Cleanup()

	ctx := context.Background()
	// The first GetToken hands back the implicit token without touching
	// the pipe; the second one reads a grant from the jobserver.
	if _, err := client.GetToken(ctx); err != nil {
		return err
	}
	tok, err := client.GetToken(ctx)
	if err != nil {
		return err
	}
	if tok == nil {
		log.Info("jobserverd worker: no token granted within the bounded wait, exiting")
		return nil
	}
	log.Info("jobserverd worker: acquired a token, doing work")
	time.Sleep(500 * time.Millisecond)
	return client.ReturnToken(tok)
}

func statusHandler(srv *jobserver.Server, log logrus.FieldLogger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ok pid=%d\n", os.Getpid())
	})
	return mux
}
