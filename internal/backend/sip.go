package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/voxline/voxline/internal/telemetry"
)

// SIPConfig addresses the upstream SIP edge.
type SIPConfig struct {
	Host      string
	Port      int
	Transport string
}

// SIPCredentials is the digest credential pair issued per line.
type SIPCredentials struct {
	Username string
	Password string
}

// SIPClient owns the SIP user agent shared by all sessions on this device:
// the registration to the provider edge and the listener that receives
// incoming INVITE, CANCEL and BYE requests. One SIPClient exists per
// process; sessions are created per call.
type SIPClient struct {
	cfg    SIPConfig
	ua     *sipgo.UserAgent
	client *sipgo.Client
	srv    *sipgo.Server
	logger *slog.Logger
	rec    *telemetry.Recorder

	mu        sync.Mutex
	creds     SIPCredentials
	sessions  map[string]*SIPSession // keyed by Call-ID
	onInvite  func(*SIPSession)
	listening bool
}

// NewSIPClient creates the shared SIP stack.
func NewSIPClient(cfg SIPConfig, logger *slog.Logger, rec *telemetry.Recorder) (*SIPClient, error) {
	l := logger.With("subsystem", "sip")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("voxline"),
	)
	if err != nil {
		return nil, fmt.Errorf("backend: creating sip user agent: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(l),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("backend: creating sip client: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(l),
	)
	if err != nil {
		client.Close()
		ua.Close()
		return nil, fmt.Errorf("backend: creating sip server: %w", err)
	}

	c := &SIPClient{
		cfg:      cfg,
		ua:       ua,
		client:   client,
		srv:      srv,
		logger:   l,
		rec:      rec,
		sessions: make(map[string]*SIPSession),
	}
	srv.OnInvite(c.handleInvite)
	srv.OnBye(c.handleBye)
	srv.OnCancel(c.handleCancel)
	srv.OnOptions(c.handleOptions)
	return c, nil
}

// OnIncoming registers the callback invoked when an INVITE arrives. The
// session it receives holds a pending invite ready for Accept or Reject.
func (c *SIPClient) OnIncoming(fn func(*SIPSession)) {
	c.mu.Lock()
	c.onInvite = fn
	c.mu.Unlock()
}

// Listen starts the local listener that receives in-dialog requests and
// incoming invites. It blocks until ctx is cancelled.
func (c *SIPClient) Listen(ctx context.Context, addr string) error {
	c.mu.Lock()
	c.listening = true
	c.mu.Unlock()
	c.logger.Info("sip listener starting", "addr", addr, "transport", c.cfg.Transport)
	transport := strings.ToLower(c.cfg.Transport)
	if transport == "" {
		transport = "udp"
	}
	return c.srv.ListenAndServe(ctx, transport, addr)
}

// Close shuts down the stack.
func (c *SIPClient) Close() {
	c.srv.Close()
	c.client.Close()
	c.ua.Close()
}

// Register sends a REGISTER with the given credentials and returns the
// server-granted expiry in seconds. Credentials are retained for digest
// challenges on later requests.
func (c *SIPClient) Register(ctx context.Context, creds SIPCredentials, expiry int) (int, error) {
	if creds.Username == "" || creds.Password == "" {
		return 0, ErrBackendUndefined
	}
	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()

	recipientStr := fmt.Sprintf("sip:%s:%d", c.cfg.Host, c.cfg.Port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("backend: parsing registrar uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(strings.ToUpper(c.cfg.Transport))

	aor := fmt.Sprintf("<sip:%s@%s>", creds.Username, c.cfg.Host)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s@%s>", creds.Username, c.ua.Hostname())))
	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", expiry)))

	tx, err := c.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("backend: sending register: %w", err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("backend: waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		res, err = c.retryWithDigest(ctx, req, res, recipientStr)
		if err != nil {
			return 0, err
		}
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("backend: register failed with status %d %s", res.StatusCode, res.Reason)
	}

	granted := expiry
	if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if v := parseSeconds(expiresHdr.Value()); v > 0 {
			granted = v
		}
	}
	c.logger.Info("line registered", "username", creds.Username, "expires_in", granted)
	return granted, nil
}

// RunRegistration keeps the line registered until ctx is cancelled. The
// credential pair is fetched through fetch before every REGISTER, never
// reused across cycles; refresh happens at 80% of the granted expiry, with
// exponential backoff on failure.
func (c *SIPClient) RunRegistration(ctx context.Context, fetch func(context.Context) (SIPCredentials, error), expiry int) {
	retry := 5 * time.Second
	for {
		granted, err := c.registerFresh(ctx, fetch, expiry)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.rec.RecordError("sip", err)
			c.logger.Error("registration failed", "error", err, "retry_in", retry.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(retry):
			}
			if retry < 5*time.Minute {
				retry *= 2
			}
			continue
		}
		retry = 5 * time.Second

		refresh := time.Duration(float64(granted)*0.8) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(refresh):
			c.logger.Debug("re-registering line")
		}
	}
}

func (c *SIPClient) registerFresh(ctx context.Context, fetch func(context.Context) (SIPCredentials, error), expiry int) (int, error) {
	creds, err := fetch(ctx)
	if err != nil {
		return 0, fmt.Errorf("backend: fetching registration credentials: %w", err)
	}
	return c.Register(ctx, creds, expiry)
}

// Unregister sends a zero-expiry REGISTER, best effort.
func (c *SIPClient) Unregister(ctx context.Context) {
	c.mu.Lock()
	creds := c.creds
	c.mu.Unlock()
	if creds.Username == "" {
		return
	}
	if _, err := c.Register(ctx, creds, 0); err != nil {
		c.logger.Warn("un-register failed", "error", err)
	}
}

// Outgoing creates a session that will dial the given handle on Connect.
func (c *SIPClient) Outgoing(handle string) *SIPSession {
	c.mu.Lock()
	creds := c.creds
	c.mu.Unlock()
	return &SIPSession{
		parent:      c,
		creds:       creds,
		outgoing:    true,
		destination: handle,
		logger:      c.logger,
	}
}

// retryWithDigest answers a 401/407 challenge on req and returns the final
// response.
func (c *SIPClient) retryWithDigest(ctx context.Context, req *sip.Request, res *sip.Response, uri string) (*sip.Response, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if res.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	challenge := res.GetHeader(authHeader)
	if challenge == nil {
		return nil, fmt.Errorf("backend: received %d but no %s header", res.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(challenge.Value())
	if err != nil {
		return nil, fmt.Errorf("backend: parsing auth challenge: %w", err)
	}

	c.mu.Lock()
	creds := c.creds
	c.mu.Unlock()

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      uri,
		Username: creds.Username,
		Password: creds.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("backend: computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	tx, err := c.client.TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return nil, fmt.Errorf("backend: sending authenticated request: %w", err)
	}

	out, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return nil, fmt.Errorf("backend: waiting for authenticated response: %w", err)
	}
	return out, nil
}

func (c *SIPClient) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	c.logger.Info("incoming invite",
		"call_id", callID,
		"from", req.From().Address.User,
		"source", req.Source(),
	)

	s := &SIPSession{
		parent:    c,
		logger:    c.logger,
		callID:    callID,
		inviteReq: req,
		inviteTx:  tx,
		pending:   true,
	}

	c.mu.Lock()
	c.sessions[callID] = s
	fn := c.onInvite
	c.mu.Unlock()

	if err := tx.Respond(sip.NewResponseFromRequest(req, 180, "Ringing", nil)); err != nil {
		c.logger.Error("failed to send ringing", "call_id", callID, "error", err)
	}

	if fn == nil {
		c.logger.Warn("no invite handler attached, declining", "call_id", callID)
		s.Reject(context.Background())
		return
	}
	fn(s)
}

func (c *SIPClient) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	if err := tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil)); err != nil {
		c.logger.Error("failed to respond to bye", "call_id", callID, "error", err)
	}

	c.mu.Lock()
	s, ok := c.sessions[callID]
	if ok {
		delete(c.sessions, callID)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("bye for unknown call", "call_id", callID)
		return
	}
	c.logger.Info("remote hangup", "call_id", callID)
	s.events.ended()
}

func (c *SIPClient) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	if err := tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil)); err != nil {
		c.logger.Error("failed to respond to cancel", "call_id", callID, "error", err)
	}

	c.mu.Lock()
	s, ok := c.sessions[callID]
	if ok {
		delete(c.sessions, callID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.logger.Info("invite cancelled by remote", "call_id", callID)
	s.remoteCancel()
}

func (c *SIPClient) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"))
	if err := tx.Respond(res); err != nil {
		c.logger.Error("failed to respond to options", "error", err)
	}
}

func (c *SIPClient) dropSession(callID string) {
	c.mu.Lock()
	delete(c.sessions, callID)
	c.mu.Unlock()
}

// SIPSession is one call leg on the SIP provider. It implements Backend.
type SIPSession struct {
	parent      *SIPClient
	logger      *slog.Logger
	creds       SIPCredentials
	outgoing    bool
	destination string

	events Events

	mu       sync.Mutex
	pending  bool
	answered bool
	muted    bool
	held     bool

	callID    string
	inviteReq *sip.Request
	inviteTx  sip.ServerTransaction
	dialog    *sipDialog
}

// sipDialog is the in-dialog routing state needed for ACK and BYE.
type sipDialog struct {
	target sip.Uri
	callID string
	from   string
	to     string
	cseq   uint32
}

func (s *SIPSession) Kind() Kind { return KindSIP }

func (s *SIPSession) Subscribe(e Events) { s.events = e }

// Connect dials the destination. The access token rides along as a header
// for edge authorization; call auth itself is digest with the line
// credentials. Provisional and final responses are watched on a background
// goroutine and reported through the event sink.
func (s *SIPSession) Connect(ctx context.Context, token string) error {
	if !s.outgoing {
		return fmt.Errorf("backend: connect on incoming session")
	}
	if s.creds.Username == "" {
		return ErrBackendUndefined
	}

	cfg := s.parent.cfg
	recipientStr := fmt.Sprintf("sip:%s@%s:%d", s.destination, cfg.Host, cfg.Port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return fmt.Errorf("backend: parsing destination uri: %w", err)
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(strings.ToUpper(cfg.Transport))
	req.AppendHeader(sip.NewHeader("From", fmt.Sprintf("<sip:%s@%s>", s.creds.Username, cfg.Host)))
	req.AppendHeader(sip.NewHeader("To", fmt.Sprintf("<sip:%s@%s>", s.destination, cfg.Host)))
	req.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s@%s>", s.creds.Username, s.parent.ua.Hostname())))
	if token != "" {
		req.AppendHeader(sip.NewHeader("X-Voxline-Token", token))
	}

	tx, err := s.parent.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("backend: sending invite: %w", err)
	}

	go s.watchInvite(context.WithoutCancel(ctx), req, tx, recipientStr)
	return nil
}

// watchInvite consumes responses to the outgoing INVITE until a final one
// arrives, retrying once through a digest challenge.
func (s *SIPSession) watchInvite(ctx context.Context, req *sip.Request, tx sip.ClientTransaction, uri string) {
	defer tx.Terminate()
	authed := false
	for {
		res, err := getResponse(ctx, tx)
		if err != nil {
			s.events.failed(fmt.Errorf("backend: waiting for invite response: %w", err))
			return
		}

		switch {
		case res.StatusCode < 200:
			if res.StatusCode == 180 || res.StatusCode == 183 {
				s.events.connecting()
			}

		case res.StatusCode == 200:
			s.establishDialog(req, res)
			s.sendACK(res)
			s.events.connected()
			return

		case (res.StatusCode == 401 || res.StatusCode == 407) && !authed:
			authed = true
			next, err := s.parent.retryWithDigest(ctx, req, res, uri)
			if err != nil {
				s.events.failed(err)
				return
			}
			if next.StatusCode != 200 {
				s.events.failed(fmt.Errorf("backend: invite failed with status %d %s", next.StatusCode, next.Reason))
				return
			}
			s.establishDialog(req, next)
			s.sendACK(next)
			s.events.connected()
			return

		default:
			s.events.failed(fmt.Errorf("backend: invite failed with status %d %s", res.StatusCode, res.Reason))
			return
		}
	}
}

func (s *SIPSession) establishDialog(req *sip.Request, res *sip.Response) {
	target := req.Recipient
	if contact := res.GetHeader("Contact"); contact != nil {
		var parsed sip.Uri
		v := strings.Trim(contact.Value(), "<>")
		if err := sip.ParseUri(v, &parsed); err == nil {
			target = parsed
		}
	}
	callID := ""
	if cid := res.CallID(); cid != nil {
		callID = cid.Value()
	}
	cseq := uint32(1)
	if c := req.CSeq(); c != nil {
		cseq = c.SeqNo
	}

	s.mu.Lock()
	s.callID = callID
	s.answered = true
	s.dialog = &sipDialog{
		target: target,
		callID: callID,
		from:   res.From().Value(),
		to:     res.To().Value(),
		cseq:   cseq,
	}
	s.mu.Unlock()

	if callID != "" {
		s.parent.mu.Lock()
		s.parent.sessions[callID] = s
		s.parent.mu.Unlock()
	}
}

func (s *SIPSession) sendACK(res *sip.Response) {
	s.mu.Lock()
	d := s.dialog
	s.mu.Unlock()
	if d == nil {
		return
	}

	ack := sip.NewRequest(sip.ACK, d.target)
	ack.SetTransport(strings.ToUpper(s.parent.cfg.Transport))
	ack.AppendHeader(sip.NewHeader("Call-ID", d.callID))
	ack.AppendHeader(sip.NewHeader("From", d.from))
	ack.AppendHeader(sip.NewHeader("To", d.to))
	ack.AppendHeader(sip.NewHeader("CSeq", fmt.Sprintf("%d ACK", d.cseq)))
	ack.AppendHeader(sip.NewHeader("Max-Forwards", "70"))

	if err := s.parent.client.WriteRequest(ack); err != nil {
		s.logger.Error("failed to send ack", "call_id", d.callID, "error", err)
	}
}

// Accept answers the pending incoming invite with a 200 OK.
func (s *SIPSession) Accept(ctx context.Context) error {
	s.mu.Lock()
	if !s.pending {
		s.mu.Unlock()
		return ErrNoPendingInvite
	}
	s.pending = false
	s.answered = true
	req, tx := s.inviteReq, s.inviteTx
	s.mu.Unlock()

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		return fmt.Errorf("backend: answering invite: %w", err)
	}
	s.events.connected()
	return nil
}

// Reject declines the pending incoming invite.
func (s *SIPSession) Reject(ctx context.Context) error {
	s.mu.Lock()
	if !s.pending {
		s.mu.Unlock()
		return ErrNoPendingInvite
	}
	s.pending = false
	req, tx := s.inviteReq, s.inviteTx
	s.mu.Unlock()

	s.parent.dropSession(s.callID)
	res := sip.NewResponseFromRequest(req, 603, "Decline", nil)
	if err := tx.Respond(res); err != nil {
		return fmt.Errorf("backend: declining invite: %w", err)
	}
	return nil
}

// Hangup ends the established leg with an in-dialog BYE.
func (s *SIPSession) Hangup(ctx context.Context) error {
	s.mu.Lock()
	d := s.dialog
	answered := s.answered
	s.mu.Unlock()

	s.parent.dropSession(s.callID)

	if !answered || d == nil {
		// Never established; nothing to tear down on the wire.
		s.events.ended()
		return nil
	}

	bye := sip.NewRequest(sip.BYE, d.target)
	bye.SetTransport(strings.ToUpper(s.parent.cfg.Transport))
	bye.AppendHeader(sip.NewHeader("Call-ID", d.callID))
	bye.AppendHeader(sip.NewHeader("From", d.from))
	bye.AppendHeader(sip.NewHeader("To", d.to))
	bye.AppendHeader(sip.NewHeader("CSeq", fmt.Sprintf("%d BYE", d.cseq+1)))
	bye.AppendHeader(sip.NewHeader("Max-Forwards", "70"))

	tx, err := s.parent.client.TransactionRequest(ctx, bye, sipgo.ClientRequestAddVia)
	if err != nil {
		s.events.ended()
		return fmt.Errorf("backend: sending bye: %w", err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		s.events.ended()
		return fmt.Errorf("backend: waiting for bye response: %w", err)
	}
	if res.StatusCode != 200 {
		s.logger.Warn("bye rejected", "call_id", d.callID, "status", res.StatusCode)
	}
	s.events.ended()
	return nil
}

// SetMuted gates the local media path. Always supported.
func (s *SIPSession) SetMuted(muted bool) bool {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
	return true
}

// SetOnHold is unsupported in outgoing mode on this provider.
func (s *SIPSession) SetOnHold(hold bool) bool {
	if s.outgoing {
		return false
	}
	s.mu.Lock()
	s.held = hold
	s.mu.Unlock()
	return true
}

// SendDigits sends each digit as a SIP INFO with a dtmf-relay body.
func (s *SIPSession) SendDigits(digits string) bool {
	s.mu.Lock()
	d := s.dialog
	s.mu.Unlock()
	if d == nil {
		return false
	}

	for _, r := range digits {
		d.cseq++
		info := sip.NewRequest(sip.INFO, d.target)
		info.SetTransport(strings.ToUpper(s.parent.cfg.Transport))
		info.AppendHeader(sip.NewHeader("Call-ID", d.callID))
		info.AppendHeader(sip.NewHeader("From", d.from))
		info.AppendHeader(sip.NewHeader("To", d.to))
		info.AppendHeader(sip.NewHeader("CSeq", fmt.Sprintf("%d INFO", d.cseq)))
		info.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
		info.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))
		info.SetBody(dtmfBody(r))

		tx, err := s.parent.client.TransactionRequest(context.Background(), info, sipgo.ClientRequestAddVia)
		if err != nil {
			s.logger.Error("failed to send dtmf", "call_id", d.callID, "error", err)
			return false
		}
		tx.Terminate()
	}
	return true
}

// remoteCancel handles a CANCEL for the still-pending invite: the invite
// transaction is answered 487 and the session reports ended.
func (s *SIPSession) remoteCancel() {
	s.mu.Lock()
	if !s.pending {
		s.mu.Unlock()
		return
	}
	s.pending = false
	req, tx := s.inviteReq, s.inviteTx
	s.mu.Unlock()

	res := sip.NewResponseFromRequest(req, 487, "Request Terminated", nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to terminate cancelled invite", "error", err)
	}
	s.events.ended()
}

// CallID returns the SIP Call-ID, empty before the dialog exists.
func (s *SIPSession) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

func dtmfBody(digit rune) []byte {
	return []byte(fmt.Sprintf("Signal=%c\r\nDuration=250\r\n", digit))
}

func parseSeconds(value string) int {
	var v int
	if _, err := fmt.Sscanf(strings.TrimSpace(value), "%d", &v); err != nil {
		return 0
	}
	return v
}

// getResponse waits for the first response from a SIP client transaction.
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
