// Command solard runs one replication node: it opens the store, listens
// for inbound peer connections, dials the configured outbound peers,
// and serves until interrupted. Grounded on original_source/node.rs's
// Node::start/Node::shutdown sequencing and actors/ctrlc.rs's SIGINT
// handling, translated into a single mitchellh/cli command the way the
// teacher's own agent binaries are shaped (one Ui-driven Run, exit code
// from error presence) rather than a multi-subcommand tree, since this
// node exposes no operator subcommands of its own (that's solarctl's
// job against the admin surface).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/logutils"
	"github.com/mitchellh/cli"

	"github.com/scatterbutt/solar/internal/blobs"
	"github.com/scatterbutt/solar/internal/broker"
	"github.com/scatterbutt/solar/internal/conn"
	"github.com/scatterbutt/solar/internal/ebt"
	"github.com/scatterbutt/solar/internal/feed"
	"github.com/scatterbutt/solar/internal/feedhist"
	"github.com/scatterbutt/solar/internal/identity"
	"github.com/scatterbutt/solar/internal/logging"
	"github.com/scatterbutt/solar/internal/store"
	"github.com/scatterbutt/solar/internal/transport"
)

const sessionWaitTimeoutDefault = 10 * time.Second

func main() {
	ui := &cli.BasicUi{Writer: os.Stdout, ErrorWriter: os.Stderr}
	os.Exit(runCommand(ui, os.Args[1:]))
}

func runCommand(ui cli.Ui, args []string) int {
	fs := flag.NewFlagSet("solard", flag.ContinueOnError)
	listenAddr := fs.String("listen", "127.0.0.1:7777", "address to listen for peer connections on")
	adminAddr := fs.String("admin", "127.0.0.1:7778", "address for the read-only status endpoint solarctl queries")
	dbPath := fs.String("db", "solar.db", "path to the node's store file")
	logLevel := fs.String("log-level", "INFO", "DEBUG, INFO, WARN or ERR")
	connect := fs.String("connect", "", "comma-separated host:port list of peers to dial at startup")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	logger := logging.New(os.Stderr, logutils.LogLevel(strings.ToUpper(*logLevel)))

	var peers []string
	if *connect != "" {
		peers = strings.Split(*connect, ",")
	}

	if err := run(runConfig{
		listenAddr: *listenAddr,
		adminAddr:  *adminAddr,
		dbPath:     *dbPath,
		peers:      peers,
		logger:     logger,
		ui:         ui,
	}); err != nil {
		ui.Error(fmt.Sprintf("solard: %v", err))
		return 1
	}
	return 0
}

type runConfig struct {
	listenAddr string
	adminAddr  string
	dbPath     string
	peers      []string
	logger     *log.Logger
	ui         cli.Ui
}

// statusResponse is the JSON body the admin endpoint serves and
// cmd/solarctl decodes. This stands in for the "JSON admin surface"
// spec.md §1 places out of scope as an external collaborator; solard
// wires only this tiny read-only slice of it, per SPEC_FULL.md §1.
type statusResponse struct {
	Identity     string          `json:"identity"`
	Peers        []statusPeer    `json:"peers"`
	PendingBlobs []string        `json:"pending_blobs"`
}

type statusPeer struct {
	PubKey string `json:"pub_key"`
	SeqNum uint64 `json:"seq_num"`
}

func adminHandler(self feed.ID, st store.Store) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		peers, err := st.Peers()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		pending, err := st.GetPendingBlobs()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp := statusResponse{Identity: string(self), PendingBlobs: pending}
		for _, p := range peers {
			resp.Peers = append(resp.Peers, statusPeer{PubKey: p.PubKey, SeqNum: p.SeqNum})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func run(cfg runConfig) error {
	b := broker.New(0)
	cfg.logger.Printf("[INFO] solard: opening store at %s", cfg.dbPath)

	signer, err := identity.GenerateEd25519()
	if err != nil {
		return fmt.Errorf("generate identity: %w", err)
	}
	self := signer.Identity()

	storeEp, err := b.Register("store", true)
	if err != nil {
		return fmt.Errorf("register store endpoint: %w", err)
	}
	st, err := store.Open(cfg.dbPath, storeEp.Sender())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	st.ListenTerminate(storeEp)
	defer st.Close()

	cfg.ui.Output(fmt.Sprintf("solard: identity %s", self))
	cfg.ui.Output(fmt.Sprintf("solard: listening on %s", cfg.listenAddr))

	ln, err := net.Listen("tcp", cfg.listenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adminSrv := &http.Server{Addr: cfg.adminAddr, Handler: adminHandler(self, st)}
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			cfg.ui.Error(fmt.Sprintf("solard: admin endpoint: %v", err))
		}
	}()
	defer adminSrv.Close()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		acceptLoop(ctx, ln, b, st, self, cfg.ui, &wg)
	}()

	for _, addr := range cfg.peers {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			dialPeer(ctx, addr, b, st, self, cfg.ui)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		cfg.ui.Output("solard: received interrupt, shutting down")
	case <-ctx.Done():
	}

	cancel()
	_ = ln.Close()
	if err := b.Shutdown(); err != nil {
		cfg.ui.Warn(fmt.Sprintf("solard: shutdown: %v", err))
	}
	wg.Wait()
	cfg.ui.Output("solard: gracefully finished")
	return nil
}

// acceptLoop mirrors tcp_server.rs's select_biased!{ch_terminate,
// incoming.next()} loop: accept until ctx is cancelled, spawning one
// connection actor per accepted stream. Each spawned actor is tracked on
// wg, the same as the outbound dialPeer goroutines, so wg.Wait() in run
// actually blocks until every live connection actor has exited instead of
// returning while inbound connections are still reading/writing st.
func acceptLoop(ctx context.Context, ln net.Listener, b *broker.Broker, st store.Store, self feed.ID, ui cli.Ui, wg *sync.WaitGroup) {
	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				ui.Error(fmt.Sprintf("solard: accept: %v", err))
				return
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveConn(ctx, raw, b, st, self, ebt.Responder, ui)
		}()
	}
}

// dialPeer connects out to addr once at startup and serves the
// resulting connection as Requester, the side expected to initiate the
// EBT handshake.
func dialPeer(ctx context.Context, addr string, b *broker.Broker, st store.Store, self feed.ID, ui cli.Ui) {
	raw, err := net.Dial("tcp", addr)
	if err != nil {
		ui.Error(fmt.Sprintf("solard: dial %s: %v", addr, err))
		return
	}
	serveConn(ctx, raw, b, st, self, ebt.Requester, ui)
}

func serveConn(ctx context.Context, raw net.Conn, b *broker.Broker, st store.Store, self feed.ID, role ebt.Role, ui cli.Ui) {
	id, err := conn.NewID()
	if err != nil {
		ui.Error(fmt.Sprintf("solard: allocate connection id: %v", err))
		_ = raw.Close()
		return
	}

	// The external handshake (out of scope, spec.md §1) would normally
	// resolve the peer's identity here; absent that collaborator, the
	// peer is provisionally identified by its remote address.
	peer := feed.ID(fmt.Sprintf("@%s.ed25519", raw.RemoteAddr()))
	stream := transport.Wrap(raw, peer)

	session := ebt.NewSession(string(id), peer, role, sessionWaitTimeoutDefault)
	blobsHandler := blobs.NewHandler(string(id), st)
	histHandler := feedhist.NewHandler(string(id), peer, st)

	actor := conn.New(id, stream, peer, b, st, session, blobsHandler, histHandler)
	if role == ebt.Requester {
		if err := session.Open(actor.Api()); err != nil {
			ui.Error(fmt.Sprintf("solard: open ebt session to %s: %v", peer, err))
			_ = stream.Close()
			return
		}
	}
	if err := actor.Run(ctx); err != nil {
		ui.Warn(fmt.Sprintf("solard: connection %s (peer %s) ended: %v", id, peer, err))
	}
}
