package model

import (
	"errors"
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr string
	}{
		{
			name: "valid",
			env:  Envelope{Src: "agent-a", Dst: "foo-vm", Type: "vm/exec"},
		},
		{
			name:    "missing src",
			env:     Envelope{Dst: "foo-vm", Type: "vm/exec"},
			wantErr: "missing src",
		},
		{
			name:    "src with whitespace",
			env:     Envelope{Src: "agent a", Dst: "foo-vm", Type: "vm/exec"},
			wantErr: "invalid src",
		},
		{
			name:    "missing dst",
			env:     Envelope{Src: "agent-a", Type: "vm/exec"},
			wantErr: "missing dst",
		},
		{
			name:    "missing type",
			env:     Envelope{Src: "agent-a", Dst: "foo-vm"},
			wantErr: "missing type",
		},
		{
			name:    "unrecognized type",
			env:     Envelope{Src: "agent-a", Dst: "foo-vm", Type: "vm/reboot"},
			wantErr: "unrecognized type",
		},
		{
			name:    "control bytes in dst",
			env:     Envelope{Src: "agent-a", Dst: "foo\x00vm", Type: "vm/exec"},
			wantErr: "invalid dst",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, dst, cmd, err := tt.env.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				if src != "agent-a" || dst != "foo-vm" || cmd != CmdVMExec {
					t.Errorf("Validate() = %q %q %q", src, dst, cmd)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRetainsSrcForAttribution(t *testing.T) {
	env := Envelope{Src: "agent-a", Dst: "foo-vm", Type: "bogus/cmd"}
	_, _, _, err := env.Validate()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if verr.Src != "agent-a" {
		t.Errorf("Src = %q, want agent-a", verr.Src)
	}
}

func TestParseIDBounds(t *testing.T) {
	if _, err := ParseAgentID(strings.Repeat("a", 128)); err != nil {
		t.Errorf("128-byte id rejected: %v", err)
	}
	if _, err := ParseAgentID(strings.Repeat("a", 129)); err == nil {
		t.Error("129-byte id accepted")
	}
	if _, err := ParseTargetID("vm-é"); err == nil {
		t.Error("non-ASCII id accepted")
	}
	if _, err := ParseSessionID(""); err == nil {
		t.Error("empty id accepted")
	}
}

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"src":"a","dst":"b","type":"vm/state","payload":{"k":1}}`))
	if err != nil {
		t.Fatalf("DecodeEnvelope() error = %v", err)
	}
	if env.Src != "a" || env.Dst != "b" || env.Type != "vm/state" {
		t.Errorf("decoded %+v", env)
	}
	if _, err := DecodeEnvelope([]byte(`{not json`)); err == nil {
		t.Error("malformed JSON accepted")
	}
}

func TestRequiredCapability(t *testing.T) {
	tests := []struct {
		cmd  Command
		want Capability
	}{
		{CmdVMCreate, CapCreate},
		{CmdVMDelete, CapCreate},
		{CmdVMAttachTerminal, CapAttachTerminal},
		{CmdVMAttach, CapAttachTerminal},
		{CmdVMExec, CapAttachTerminal},
		{CmdVMState, CapNone},
		{CmdModelSend, CapNone},
		{CmdAuthorize, CapNone},
	}
	for _, tt := range tests {
		if got := RequiredCapability(tt.cmd); got != tt.want {
			t.Errorf("RequiredCapability(%s) = %q, want %q", tt.cmd, got, tt.want)
		}
	}
}
