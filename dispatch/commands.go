package dispatch

import (
	"encoding/json"

	"github.com/feitiansk/agent/agenterr"
)

// Command is a wire-protocol command name. Unmarshaling a name outside the
// registered set fails with UNKNOWN_COMMAND rather than falling through to
// a default case at dispatch time.
type Command string

const (
	CmdPing            Command = "ping"
	CmdGetVersion      Command = "getVersion"
	CmdListDevices     Command = "listDevices"
	CmdOpenDevice      Command = "openDevice"
	CmdCloseDevice     Command = "closeDevice"
	CmdSendHID         Command = "sendHid"
	CmdReceiveHID      Command = "receiveHid"
	CmdTransmitAPDU    Command = "transmitApdu"
	CmdDetectProtocols Command = "detectProtocols"

	CmdFido2GetInfo          Command = "fido2GetInfo"
	CmdFido2SetPin           Command = "fido2SetPin"
	CmdFido2ChangePin        Command = "fido2ChangePin"
	CmdFido2GetPinRetries    Command = "fido2GetPinRetries"
	CmdFido2ListCredentials  Command = "fido2ListCredentials"
	CmdFido2DeleteCredential Command = "fido2DeleteCredential"
	CmdFido2ResetDevice      Command = "fido2ResetDevice"

	CmdU2FVersion     Command = "u2fVersion"
	CmdU2FRegister    Command = "u2fRegister"
	CmdU2FAuthenticate Command = "u2fAuthenticate"

	CmdPIVGetData           Command = "pivGetData"
	CmdPIVVerifyPin         Command = "pivVerifyPin"
	CmdPIVChangePin         Command = "pivChangePin"
	CmdPIVChangePuk         Command = "pivChangePuk"
	CmdPIVGenerateKey       Command = "pivGenerateKey"
	CmdPIVImportCertificate Command = "pivImportCertificate"
	CmdPIVReadCertificate   Command = "pivReadCertificate"
	CmdPIVDeleteCertificate Command = "pivDeleteCertificate"

	CmdOpenPGPSelect           Command = "openpgpSelect"
	CmdOpenPGPReadData         Command = "openpgpReadData"
	CmdOpenPGPChangePin        Command = "openpgpChangePin"
	CmdOpenPGPChangeAdminPin   Command = "openpgpChangeAdminPin"
	CmdOpenPGPImportKey        Command = "openpgpImportKey"
	CmdOpenPGPExportPublicKey  Command = "openpgpExportPublicKey"

	CmdOTPReadSlot     Command = "otpReadSlot"
	CmdOTPWriteSlot    Command = "otpWriteSlot"
	CmdOTPDeleteSlot   Command = "otpDeleteSlot"
	CmdOTPSwapSlots    Command = "otpSwapSlots"
	CmdOTPGenerateSeed Command = "otpGenerateSeed"

	CmdNDEFRead   Command = "ndefRead"
	CmdNDEFWrite  Command = "ndefWrite"
	CmdNDEFFormat Command = "ndefFormat"
)

// handlerFunc is one command's implementation. params is the request's raw
// "params" field, still encoded; the handler decodes whatever shape it
// expects. The returned value is marshaled verbatim into the response
// envelope's "result" field.
type handlerFunc func(s *Server, params json.RawMessage) (any, error)

// handlers is populated by handler files in this package via registerHandler
// in their init(), so the table and the enum stay next to each other's
// registration site instead of in one long switch.
var handlers = make(map[Command]handlerFunc)

func registerHandler(cmd Command, fn handlerFunc) {
	if _, exists := handlers[cmd]; exists {
		panic("dispatch: duplicate handler for " + string(cmd))
	}
	handlers[cmd] = fn
}

// UnmarshalJSON rejects any command name not in the registered handler
// table, so an unrecognized command fails at decode time with
// UNKNOWN_COMMAND instead of reaching a switch's default case.
func (c *Command) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return agenterr.Wrap(agenterr.CodeInvalidRequest, "command must be a string", err)
	}
	if _, ok := handlers[Command(name)]; !ok {
		return agenterr.New(agenterr.CodeUnknownCommand, "unknown command: "+name)
	}
	*c = Command(name)
	return nil
}
