// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package confab_test

import (
	"strings"
	"testing"
	"time"

	"github.com/creachadair/confab"
	"github.com/google/go-cmp/cmp"
)

func TestPDURoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		input *confab.PDU
	}{
		{"empty", &confab.PDU{}},
		{"loginRequest", &confab.PDU{
			Type:     confab.TypeLoginRequest,
			User:     "alice",
			ClientID: "session-1",
			Status:   confab.Registering,
		}},
		{"loginEvent", &confab.PDU{
			Type:      confab.TypeLoginEvent,
			User:      "alice",
			EventUser: "alice",
			ServerID:  "worker-1",
			Clients:   []string{"alice", "bob", "carol"},
			Status:    confab.Registering,
		}},
		{"loginError", &confab.PDU{
			Type:  confab.TypeLoginResponse,
			User:  "alice",
			Error: confab.LoginError,
		}},
		{"chatEvent", &confab.PDU{
			Type:      confab.TypeChatEvent,
			User:      "bob",
			EventUser: "bob",
			Sequence:  25,
			Message:   "hello, is there anybody in there?",
			Status:    confab.Registered,
		}},
		{"logoutResponse", &confab.PDU{
			Type:             confab.TypeLogoutResponse,
			User:             "carol",
			EventUser:        "carol",
			ClientID:         "session-9",
			ServerID:         "worker-3",
			ServerTime:       1250 * time.Microsecond,
			Status:           confab.Unregistered,
			ReceivedMessages: 10,
			SentEvents:       40,
			ReceivedConfirms: 40,
		}},
		{"bigMessage", &confab.PDU{
			Type:    confab.TypeChatRequest,
			User:    "dave",
			Message: strings.Repeat("all work and no play ", 500),
			Status:  confab.Registered,
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			bits := tc.input.Encode()
			var got confab.PDU
			if err := got.Decode(bits); err != nil {
				t.Fatalf("Decode: unexpected error: %v", err)
			}
			if diff := cmp.Diff(&got, tc.input); diff != "" {
				t.Errorf("Decoded PDU (-got, +want):\n%s", diff)
			}
		})
	}
}

func TestPDUDecodeErrors(t *testing.T) {
	valid := (&confab.PDU{Type: confab.TypeChatRequest, User: "p", Message: "q"}).Encode()

	tests := []struct {
		name  string
		input []byte
	}{
		{"empty", nil},
		{"shortHeader", []byte("CF")},
		{"badMagic", append([]byte("XY\x00"), valid[3:]...)},
		{"badVersion", append([]byte("CF\x01"), valid[3:]...)},
		{"shortPayload", valid[:len(valid)-5]},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got confab.PDU
			if err := got.Decode(tc.input); err == nil {
				t.Errorf("Decode: got %+v, wanted error", got)
			} else {
				t.Logf("Error OK: %v", err)
			}
		})
	}

	t.Run("badStatus", func(t *testing.T) {
		bad := (&confab.PDU{Type: confab.TypeChatRequest}).Encode()
		// The status byte sits 41 bytes before the end: 1 status, 1 error code,
		// 5 trailing counters of 8 bytes each.
		bad[len(bad)-42] = 9
		var got confab.PDU
		if err := got.Decode(bad); err == nil {
			t.Errorf("Decode: got %+v, wanted error", got)
		} else {
			t.Logf("Error OK: %v", err)
		}
	})

	t.Run("badErrorCode", func(t *testing.T) {
		bad := (&confab.PDU{Type: confab.TypeChatRequest}).Encode()
		bad[len(bad)-41] = 7
		var got confab.PDU
		if err := got.Decode(bad); err == nil {
			t.Errorf("Decode: got %+v, wanted error", got)
		} else {
			t.Logf("Error OK: %v", err)
		}
	})
}

func TestPDUTrailingGarbage(t *testing.T) {
	enc := (&confab.PDU{Type: confab.TypeLoginRequest, User: "eve"}).Encode()

	// Extend the payload but fix up the header length so the framing is
	// consistent; the decoder must still reject the extra bytes.
	enc = append(enc, 1, 2, 3)
	n := len(enc) - 8
	enc[4], enc[5], enc[6], enc[7] = byte(n>>24), byte(n>>16), byte(n>>8), byte(n)

	var got confab.PDU
	if err := got.Decode(enc); err == nil {
		t.Errorf("Decode: got %+v, wanted error", got)
	} else {
		t.Logf("Error OK: %v", err)
	}
}

func TestPDUString(t *testing.T) {
	p := &confab.PDU{
		Type:     confab.TypeChatEvent,
		User:     "alice",
		Sequence: 3,
		Message:  "hi",
		Status:   confab.Registered,
	}
	got := p.String()
	for _, want := range []string{"CHAT_EVENT", `user="alice"`, "seq=3", `msg="hi"`, "REGISTERED"} {
		if !strings.Contains(got, want) {
			t.Errorf("String: %q is missing %q", got, want)
		}
	}
}
