// Command memfaultctl is the thin control-plane CLI (spec §1: explicitly
// out of scope beyond a minimal pass-through): each subcommand sends one
// IPC datagram to the running daemon.
package main

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultSocketPath = "/run/memfault-ipc.sock"

func main() {
	var socketPath string

	root := &cobra.Command{
		Use:   "memfaultctl",
		Short: "Control plane CLI for the memfaultd daemon",
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", defaultSocketPath, "IPC socket path")

	root.AddCommand(
		newWriteAttributesCmd(&socketPath),
		newRequestMetricsCmd(&socketPath),
		newReportSyncCmd(&socketPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newWriteAttributesCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "write-attributes <json>",
		Short: "Send a JSON attributes object to the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendATTR(*socketPath, args[0])
		},
	}
}

func newRequestMetricsCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "request-metrics",
		Short: "Send an empty COLLECTD metrics blob for the daemon to enqueue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendTagOnly(*socketPath, "COLLECTD", "{}")
		},
	}
}

func newReportSyncCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "report-sync",
		Short: "Force the daemon to drain the upload queue immediately",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendTagOnly(*socketPath, "SYNC", "")
		},
	}
}

// sendATTR formats the {timestamp int64 LE}{json utf8 NUL} body the daemon
// expects for the ATTR tag (spec §6) and sends it.
func sendATTR(socketPath, json string) error {
	body := make([]byte, 8+len(json)+1)
	binary.LittleEndian.PutUint64(body[0:8], uint64(time.Now().Unix()))
	copy(body[8:], json)
	body[len(body)-1] = 0
	return sendDatagram(socketPath, "ATTR", body)
}

func sendTagOnly(socketPath, tag, body string) error {
	return sendDatagram(socketPath, tag, []byte(body))
}

func sendDatagram(socketPath, tag string, body []byte) error {
	conn, err := net.Dial("unixgram", socketPath)
	if err != nil {
		return fmt.Errorf("connect to memfaultd IPC socket: %w", err)
	}
	defer conn.Close()

	datagram := append([]byte(tag), 0)
	datagram = append(datagram, body...)
	_, err = conn.Write(datagram)
	return err
}
