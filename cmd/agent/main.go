// Command agent is the native-messaging host process: it reads
// length-prefixed JSON requests from standard input, dispatches each
// against the device registry, and writes length-prefixed JSON responses
// to standard output, exactly the protocol a browser extension speaks to
// a native messaging host.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/feitiansk/agent/dispatch"
	"github.com/feitiansk/agent/internal/agentlog"
	"github.com/feitiansk/agent/internal/cli"
	"github.com/feitiansk/agent/registry"
	"github.com/feitiansk/agent/rpcio"
)

// version is the agent's reported release; there is no build-time
// injection pipeline in scope here, so it is fixed at compile time.
const version = "1.0.0"

func main() {
	root := cli.New(version, runAgent)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

// runAgent is the command's default action. It returns the process exit
// code per spec: 0 on a clean stdin close, 1 on a framing/decode-fatal
// error, 2 if the device registry cannot be constructed at all.
func runAgent(logLevel string) int {
	logger := agentlog.New(os.Stderr, logLevel)

	reg := registry.New()
	if err := reg.Refresh(); err != nil {
		logger.Error("initial device enumeration failed", "error", err)
		return 2
	}
	defer reg.Shutdown()

	server := dispatch.NewServer(reg)
	reader := rpcio.NewReader(os.Stdin)
	writer := rpcio.NewWriter(os.Stdout)

	logger.Info("agent started", "version", version, "log_level", logLevel)

	for {
		body, err := reader.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info("stdin closed, exiting")
				return 0
			}
			logger.Error("fatal frame decode error", "error", err)
			return 1
		}

		logger.Debug("received frame", "bytes", len(body))
		response := server.Handle(body)
		if err := writer.WriteFrame(response); err != nil {
			logger.Error("fatal frame write error", "error", err)
			return 1
		}
	}
}
