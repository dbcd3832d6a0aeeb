package sipua

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// RegisterPushToken stores the device push token and refreshes the
// registration so the PBX learns the new token from the Contact.
func (a *Agent) RegisterPushToken(ctx context.Context, token string) error {
	a.mu.Lock()
	changed := a.pushToken != token
	a.pushToken = token
	a.mu.Unlock()

	if changed {
		a.Refresh()
	}
	return nil
}

// Refresh asks the registration loop to re-register now, for example after
// the account credentials changed.
func (a *Agent) Refresh() {
	select {
	case a.refresh <- struct{}{}:
	default:
	}
}

// registrationLoop keeps the device registered, refreshing at 80% of the
// granted expiry and backing off on failure.
func (a *Agent) registrationLoop(ctx context.Context) {
	backoff := newBackoff()

	for {
		granted, err := a.sendRegister(ctx, a.cfg.Expiry)
		var wait time.Duration
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.registered.Store(false)
			wait = backoff.next()
			a.logger.Error("sip registration failed",
				"server", a.cfg.Server,
				"error", err,
				"attempt", backoff.attempt,
				"retry_in", wait.String(),
			)
		} else {
			backoff.reset()
			a.registered.Store(true)
			wait = time.Duration(float64(granted)*0.8) * time.Second
			a.logger.Info("sip registered",
				"server", a.cfg.Server,
				"expires_in", granted,
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-a.refresh:
			a.logger.Debug("sip registration refresh requested")
		case <-time.After(wait):
		}
	}
}

// sendRegister sends a REGISTER with digest authentication. An expiry of
// zero removes the binding. It returns the server-granted expiry.
func (a *Agent) sendRegister(ctx context.Context, expiry int) (int, error) {
	creds, err := a.creds.LoadCredentials(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading sip credentials: %w", err)
	}
	if creds.UserID == "" {
		return 0, fmt.Errorf("no sip account configured")
	}

	recipientStr := fmt.Sprintf("sip:%s", a.cfg.Server)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing registrar uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(strings.ToUpper(a.cfg.Transport))

	aor := fmt.Sprintf("<sip:%s@%s>", creds.UserID, a.cfg.Domain)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(sip.NewHeader("Contact", a.contactValue(creds.UserID)))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	tx, err := a.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}
	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authReq, err := a.authorize(req, res, recipientStr, creds.UserID, creds.SIPPassword)
		if err != nil {
			return 0, err
		}

		tx2, err := a.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 0, fmt.Errorf("sending authenticated register: %w", err)
		}
		res, err = getResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return 0, fmt.Errorf("waiting for authenticated register response: %w", err)
		}
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	granted := expiry
	if h := res.GetHeader("Contact"); h != nil {
		if parsed := parseContactExpires(h.Value()); parsed > 0 {
			granted = parsed
		}
	} else if h := res.GetHeader("Expires"); h != nil {
		if parsed, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil && parsed > 0 {
			granted = parsed
		}
	}
	return granted, nil
}

// authorize answers a 401/407 digest challenge with a cloned request
// carrying the credentials.
func (a *Agent) authorize(req *sip.Request, res *sip.Response, uri, username, password string) (*sip.Request, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if res.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	h := res.GetHeader(authHeader)
	if h == nil {
		return nil, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
	}
	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      uri,
		Username: username,
		Password: password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	return authReq, nil
}

// contactValue builds the REGISTER Contact header, carrying RFC 8599 push
// parameters when a push token is known.
func (a *Agent) contactValue(user string) string {
	a.mu.Lock()
	token := a.pushToken
	a.mu.Unlock()

	var b strings.Builder
	b.WriteString(strings.TrimSuffix(a.dialogContact(user), ">"))
	if token != "" && a.cfg.PushProvider != "" {
		fmt.Fprintf(&b, ";pn-provider=%s;pn-prid=%s", a.cfg.PushProvider, token)
		if a.cfg.PushParam != "" {
			fmt.Fprintf(&b, ";pn-param=%s", a.cfg.PushParam)
		}
	}
	b.WriteString(">")
	return b.String()
}

// dialogContact is the Contact sent in INVITEs and 2xx answers.
func (a *Agent) dialogContact(user string) string {
	return fmt.Sprintf("<sip:%s@%s:%d;transport=%s>", user, a.cfg.ContactHost, a.contactPort(), strings.ToLower(a.cfg.Transport))
}

func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

// parseContactExpires extracts the expires parameter from a Contact header
// value such as <sip:100@10.0.0.5>;expires=3600. Returns 0 if absent.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]
	if end := strings.IndexAny(rest, ";,> \t"); end > 0 {
		rest = rest[:end]
	}
	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

// backoff is exponential backoff with jitter for registration retries.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		baseDelay: 2 * time.Second,
		maxDelay:  2 * time.Minute,
	}
}

func (b *backoff) next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

func (b *backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d <= 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
