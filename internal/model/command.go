package model

// Command is a recognized envelope type.
type Command string

const (
	// Target lifecycle.
	CmdVMCreate         Command = "vm/create"
	CmdVMDelete         Command = "vm/delete"
	CmdVMState          Command = "vm/state"
	CmdVMAttachTerminal Command = "vm/attach-terminal"
	CmdVMExec           Command = "vm/exec"
	CmdVMAttach         Command = "vm/attach"
	CmdVMInfo           Command = "vm/info"

	// Model relay.
	CmdModelLog  Command = "model/log"
	CmdModelSend Command = "model/send"

	// Protocol maintenance.
	CmdHeartbeat Command = "mcp/heartbeat"
	CmdAuthorize Command = "mcp/authorize"
	CmdError     Command = "mcp/error"
)

// commands is the closed set of recognized envelope types. Anything
// outside it is rejected during envelope validation.
var commands = map[Command]bool{
	CmdVMCreate:         true,
	CmdVMDelete:         true,
	CmdVMState:          true,
	CmdVMAttachTerminal: true,
	CmdVMExec:           true,
	CmdVMAttach:         true,
	CmdVMInfo:           true,
	CmdModelLog:         true,
	CmdModelSend:        true,
	CmdHeartbeat:        true,
	CmdAuthorize:        true,
	CmdError:            true,
}

// KnownCommand reports whether t is in the recognized command set.
func KnownCommand(t string) bool {
	return commands[Command(t)]
}

// Capability names the role capability a command requires.
type Capability string

const (
	CapNone           Capability = ""
	CapCreate         Capability = "can_create"
	CapAttachTerminal Capability = "can_attach_terminal"
)

// RequiredCapability maps a command to the role capability it needs.
// Commands without a specific capability still pass through scope
// resolution; only the capability check is skipped.
func RequiredCapability(c Command) Capability {
	switch c {
	case CmdVMCreate, CmdVMDelete:
		return CapCreate
	case CmdVMAttachTerminal, CmdVMAttach, CmdVMExec:
		return CapAttachTerminal
	default:
		return CapNone
	}
}
