package sipua

import (
	"context"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/flowphone/internal/auth"
	"github.com/flowpbx/flowphone/internal/call"
)

func TestDialLoop_FinalResponses(t *testing.T) {
	tests := []struct {
		name  string
		codes []int
		want  call.EndReason
	}{
		{"busy after ringing", []int{100, 180, 486}, call.EndReasonDeclined},
		{"declined", []int{603}, call.EndReasonDeclined},
		{"unavailable", []int{180, 480}, call.EndReasonNoAnswer},
		{"request timeout", []int{408}, call.EndReasonNoAnswer},
		{"canceled by pbx", []int{487}, call.EndReasonCanceled},
		{"server error", []int{503}, call.EndReasonDialFailed},
		{"not found", []int{404}, call.EndReasonDialFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newRecordingListener()
			a := newTestAgent(l)

			ctx, stop := context.WithTimeout(context.Background(), 2*time.Second)
			defer stop()
			invite := newTestInvite(t, "out-1")
			d := newOutboundDialog("out-1", invite, stop)
			a.addDialog(d)

			var responses []*sip.Response
			for _, code := range tt.codes {
				responses = append(responses, sip.NewResponseFromRequest(invite, code, "", nil))
			}

			a.dialLoop(ctx, d, newFakeClientTx(responses...), auth.Credentials{UserID: "100"})

			l.expectEnded(t, "out-1", tt.want)
			if got := d.getState(); got != dialogTerminated {
				t.Errorf("dialog state = %s, want terminated", got)
			}
			if got := a.ActiveDialogs(); got != 0 {
				t.Errorf("active dialogs = %d, want 0", got)
			}
		})
	}
}

func TestDialLoop_TransactionDied(t *testing.T) {
	l := newRecordingListener()
	a := newTestAgent(l)

	ctx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	d := newOutboundDialog("out-2", newTestInvite(t, "out-2"), stop)
	a.addDialog(d)

	tx := newFakeClientTx()
	close(tx.done)
	a.dialLoop(ctx, d, tx, auth.Credentials{UserID: "100"})

	l.expectEnded(t, "out-2", call.EndReasonDialFailed)
}

func TestDialLoop_LocalHangupSwallowsTerminated(t *testing.T) {
	l := newRecordingListener()
	a := newTestAgent(l)

	ctx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	invite := newTestInvite(t, "out-3")
	d := newOutboundDialog("out-3", invite, stop)
	a.addDialog(d)

	// The user hung up; the 487 answering our CANCEL must not report again.
	d.close()
	a.removeDialog(d)
	tx := newFakeClientTx(sip.NewResponseFromRequest(invite, 487, "Request Terminated", nil))
	a.dialLoop(ctx, d, tx, auth.Credentials{UserID: "100"})

	l.expectNotEnded(t)
}
