package sipua

import (
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/flowphone/internal/call"
)

func TestBackoff_ExponentialGrowth(t *testing.T) {
	b := newBackoff()

	// Base delay is 2s, doubling up to the 2m cap.
	expectedBase := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		64 * time.Second,
		120 * time.Second,
		120 * time.Second,
	}

	for i, expected := range expectedBase {
		d := b.next()
		low := time.Duration(float64(expected) * 0.75)
		high := time.Duration(float64(expected) * 1.25)
		if d < low || d > high {
			t.Errorf("attempt %d: got %v, want %v ±20%%", i, d, expected)
		}
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := newBackoff()
	for i := 0; i < 5; i++ {
		b.next()
	}
	b.reset()

	if b.attempt != 0 {
		t.Errorf("attempt after reset = %d, want 0", b.attempt)
	}
	d := b.next()
	if d < time.Duration(float64(2*time.Second)*0.75) || d > time.Duration(float64(2*time.Second)*1.25) {
		t.Errorf("delay after reset = %v, want about 2s", d)
	}
}

func TestParseContactExpires(t *testing.T) {
	tests := []struct {
		value string
		want  int
	}{
		{"<sip:100@10.0.0.5:5060>;expires=3600", 3600},
		{"<sip:100@10.0.0.5>;q=0.5;expires=120;+sip.instance=x", 120},
		{"<sip:100@10.0.0.5>;EXPIRES=60", 60},
		{"<sip:100@10.0.0.5>", 0},
		{"<sip:100@10.0.0.5>;expires=abc", 0},
	}

	for _, tt := range tests {
		if got := parseContactExpires(tt.value); got != tt.want {
			t.Errorf("parseContactExpires(%q) = %d, want %d", tt.value, got, tt.want)
		}
	}
}

func TestContactValue(t *testing.T) {
	a := &Agent{cfg: Config{
		ListenAddr:   "0.0.0.0:5070",
		ContactHost:  "192.168.1.20",
		Transport:    "udp",
		PushProvider: "apns",
		PushParam:    "TEAM.com.flowpbx.phone.voip",
	}}

	if got, want := a.contactValue("100"), "<sip:100@192.168.1.20:5070;transport=udp>"; got != want {
		t.Errorf("contact without token = %q, want %q", got, want)
	}

	a.pushToken = "abcdef"
	want := "<sip:100@192.168.1.20:5070;transport=udp;pn-provider=apns;pn-prid=abcdef;pn-param=TEAM.com.flowpbx.phone.voip>"
	if got := a.contactValue("100"); got != want {
		t.Errorf("contact with token = %q, want %q", got, want)
	}
}

func TestCancelReason(t *testing.T) {
	tests := []struct {
		name   string
		reason string
		want   call.EndReason
	}{
		{"no header", "", call.EndReasonCanceled},
		{"answered elsewhere", `SIP ;cause=200 ;text="Call completed elsewhere"`, call.EndReasonOtherDeviceAccepted},
		{"declined elsewhere", `SIP;cause=603;text="Decline"`, call.EndReasonDeclined},
		{"other cause", `SIP;cause=487`, call.EndReasonCanceled},
		{"malformed", `SIP;cause=abc`, call.EndReasonCanceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newTestCancel(t)
			if tt.reason != "" {
				req.AppendHeader(sip.NewHeader("Reason", tt.reason))
			}
			if got := cancelReason(req); got != tt.want {
				t.Errorf("cancelReason() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		status int
		want   call.EndReason
	}{
		{486, call.EndReasonDeclined},
		{603, call.EndReasonDeclined},
		{600, call.EndReasonDeclined},
		{408, call.EndReasonNoAnswer},
		{480, call.EndReasonNoAnswer},
		{487, call.EndReasonCanceled},
		{404, call.EndReasonDialFailed},
		{503, call.EndReasonDialFailed},
	}

	for _, tt := range tests {
		if got := failureReason(tt.status); got != tt.want {
			t.Errorf("failureReason(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func newTestCancel(t *testing.T) *sip.Request {
	t.Helper()
	var uri sip.Uri
	if err := sip.ParseUri("sip:100@pbx.example.com", &uri); err != nil {
		t.Fatalf("parsing uri: %v", err)
	}
	return sip.NewRequest(sip.CANCEL, uri)
}
