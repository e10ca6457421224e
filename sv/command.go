package sv

// Command identifies the operation requested by a protocol message.
type Command int32

// Command codes of the SPEC server protocol, version 4.
// Client-initiated: Close, Abort, Func, FuncWithReturn, ChanRead, ChanSend,
// Register, Unregister and Hello. Server-initiated: Event, Reply and
// HelloReply. Cmd, CmdWithReturn and Return belong to the older remote
// command interface and are kept for protocol completeness.
const (
	CmdClose          Command = 1  // SV_CLOSE
	CmdAbort          Command = 2  // SV_ABORT
	CmdCmd            Command = 3  // SV_CMD
	CmdCmdWithReturn  Command = 4  // SV_CMD_WITH_RETURN
	CmdReturn         Command = 5  // SV_RETURN
	CmdRegister       Command = 6  // SV_REGISTER
	CmdUnregister     Command = 7  // SV_UNREGISTER
	CmdEvent          Command = 8  // SV_EVENT
	CmdFunc           Command = 9  // SV_FUNC
	CmdFuncWithReturn Command = 10 // SV_FUNC_WITH_RETURN
	CmdChanRead       Command = 11 // SV_CHAN_READ
	CmdChanSend       Command = 12 // SV_CHAN_SEND
	CmdReply          Command = 13 // SV_REPLY
	CmdHello          Command = 14 // SV_HELLO
	CmdHelloReply     Command = 15 // SV_HELLO_REPLY
)

var commandNameMap = map[Command]string{
	CmdClose:          "close",
	CmdAbort:          "abort",
	CmdCmd:            "cmd",
	CmdCmdWithReturn:  "cmd.with_return",
	CmdReturn:         "return",
	CmdRegister:       "register",
	CmdUnregister:     "unregister",
	CmdEvent:          "event",
	CmdFunc:           "func",
	CmdFuncWithReturn: "func.with_return",
	CmdChanRead:       "chan.read",
	CmdChanSend:       "chan.send",
	CmdReply:          "reply",
	CmdHello:          "hello",
	CmdHelloReply:     "hello.reply",
}

// String returns a readable name for the command code, e.g. "chan.read".
func (c Command) String() string {
	if name, ok := commandNameMap[c]; ok {
		return name
	}
	return "unknown"
}

// IsReply reports whether the command carries a serial-number correlated
// reply to an earlier request.
func (c Command) IsReply() bool {
	return c == CmdReply || c == CmdHelloReply
}
