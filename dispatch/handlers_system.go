package dispatch

import "encoding/json"

// Version is reported by getVersion. There is no packaging/release
// pipeline in scope here, so it is a fixed string rather than something
// read from build metadata.
const Version = "1.0.0"

func init() {
	registerHandler(CmdPing, func(s *Server, _ json.RawMessage) (any, error) {
		return map[string]string{"message": "pong"}, nil
	})
	registerHandler(CmdGetVersion, func(s *Server, _ json.RawMessage) (any, error) {
		return map[string]string{"version": Version}, nil
	})
}
