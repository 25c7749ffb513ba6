// Command solarctl is a tiny client for a running solard's read-only
// status endpoint. Grounded on serf's own cmd/serf split (one
// mitchellh/cli command per operator action) and its columnize-rendered
// tabular output, the combination the teacher's go.mod carries even
// though the pack only retrieved serf's RPC client, not its CLI tree.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/mitchellh/cli"
	"github.com/ryanuber/columnize"
)

type statusResponse struct {
	Identity     string       `json:"identity"`
	Peers        []statusPeer `json:"peers"`
	PendingBlobs []string     `json:"pending_blobs"`
}

type statusPeer struct {
	PubKey string `json:"pub_key"`
	SeqNum uint64 `json:"seq_num"`
}

func main() {
	ui := &cli.BasicUi{Writer: os.Stdout, ErrorWriter: os.Stderr}
	os.Exit(runCommand(ui, os.Args[1:]))
}

func runCommand(ui cli.Ui, args []string) int {
	if len(args) == 0 {
		ui.Error("usage: solarctl <status|peers> [-admin addr]")
		return 1
	}

	sub, rest := args[0], args[1:]
	adminAddr := "127.0.0.1:7778"
	for i := 0; i < len(rest)-1; i++ {
		if rest[i] == "-admin" {
			adminAddr = rest[i+1]
		}
	}

	status, err := fetchStatus(adminAddr)
	if err != nil {
		ui.Error(fmt.Sprintf("solarctl: %v", err))
		return 1
	}

	switch sub {
	case "status":
		ui.Output(fmt.Sprintf("identity: %s", status.Identity))
		ui.Output(fmt.Sprintf("pending blobs: %d", len(status.PendingBlobs)))
	case "peers":
		ui.Output(renderPeers(status.Peers))
	default:
		ui.Error(fmt.Sprintf("solarctl: unknown subcommand %q", sub))
		return 1
	}
	return 0
}

// fetchStatus queries solard's admin endpoint, tagging the request with
// a correlation id an operator can grep for in solard's logs.
func fetchStatus(adminAddr string) (*statusResponse, error) {
	req, err := http.NewRequest(http.MethodGet, "http://"+adminAddr+"/status", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", adminAddr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %s", adminAddr, resp.Status)
	}

	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return &out, nil
}

func renderPeers(peers []statusPeer) string {
	if len(peers) == 0 {
		return "no peers"
	}
	rows := make([]string, 0, len(peers)+1)
	rows = append(rows, "Peer | Latest Seq")
	for _, p := range peers {
		rows = append(rows, fmt.Sprintf("%s | %d", p.PubKey, p.SeqNum))
	}
	return columnize.SimpleFormat(rows)
}
