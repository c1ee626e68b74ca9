package voippush

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxline/voxline/internal/flags"
	"github.com/voxline/voxline/internal/provider"
	"github.com/voxline/voxline/internal/telemetry"
)

// Gateway reconciles push payloads with platform call sessions. Handle is
// the single entry point; it always invokes the completion callback exactly
// once before the processing deadline, whatever happens in between.
type Gateway struct {
	logger *slog.Logger
	rec    *telemetry.Recorder
	flags  *flags.Flags

	newProvider func() *provider.Provider

	mu         sync.Mutex
	provider   *provider.Provider
	uid        uuid.UUID
	sipHandler func(Payload)
	buffered   []Payload

	onIncoming func(*RegistrationContext)
}

// NewGateway creates a gateway. newProvider constructs the platform
// provider lazily on the first push that needs one; fl may be nil to
// disable quiet hours.
func NewGateway(newProvider func() *provider.Provider, fl *flags.Flags, logger *slog.Logger, rec *telemetry.Recorder) *Gateway {
	return &Gateway{
		logger:      logger.With("subsystem", "voippush"),
		rec:         rec,
		flags:       fl,
		newProvider: newProvider,
	}
}

// OnIncoming registers the sink that receives the registration context for
// each announced call. The orchestrator consumes it to attach the call
// session.
func (g *Gateway) OnIncoming(fn func(*RegistrationContext)) {
	g.mu.Lock()
	g.onIncoming = fn
	g.mu.Unlock()
}

// AttachSIPHandler installs the handler for legacy message subtypes and
// replays any payloads that arrived before the app was ready for them.
func (g *Gateway) AttachSIPHandler(fn func(Payload)) {
	g.mu.Lock()
	g.sipHandler = fn
	replay := g.buffered
	g.buffered = nil
	g.mu.Unlock()

	for _, p := range replay {
		g.logger.Debug("replaying buffered push", "type", p.MessageType())
		fn(p)
	}
}

// Handle processes one push payload. completion always runs exactly once,
// on every path: the OS grants bounded processing time and an uncalled
// completion is a defect.
func (g *Gateway) Handle(ctx context.Context, p Payload, completion func()) {
	var once sync.Once
	complete := func() {
		once.Do(func() {
			if completion != nil {
				completion()
			}
		})
	}
	defer complete()

	if g.flags != nil && g.flags.InQuietHours(time.Now()) {
		g.logger.Info("push dropped during quiet hours")
		g.rec.RecordPush("unknown", "quiet_hours")
		return
	}

	origin := p.Origin()
	switch origin {
	case OriginCloud:
		g.handleCloud(ctx, p)
	case OriginSIP:
		g.dispatchSIP(p)
	default:
		g.logger.Warn("push with no recognizable discriminator, ignoring")
		g.rec.RecordPush("unknown", "unclassified")
	}
}

// handleCloud registers the announced call with the platform before the
// deadline. Registration errors are recorded and swallowed; completion is
// the caller's responsibility and never depends on success here.
func (g *Gateway) handleCloud(ctx context.Context, p Payload) {
	meta := p.Metadata()
	callID := meta.CallUUID()
	update := provider.CallUpdate{
		Handle:       SanitizeNumber(meta.CallerNumber),
		DisplayName:  meta.Display(),
		SupportsHold: true,
		SupportsDTMF: true,
	}

	prov := g.ensureProvider()
	if err := prov.ReportIncoming(ctx, callID, update); err != nil {
		g.logger.Error("incoming call registration failed", "call_id", callID, "error", err)
		g.rec.RecordError("voippush", err)
		g.rec.RecordPush("cloud", "register_failed")
		return
	}
	g.rec.RecordPush("cloud", "registered")

	rc := NewRegistrationContext(prov, callID, update, OriginCloud)
	g.notifyIncoming(rc)
}

// dispatchSIP hands a legacy payload to the attached handler, buffering it
// when none is attached yet.
func (g *Gateway) dispatchSIP(p Payload) {
	g.mu.Lock()
	fn := g.sipHandler
	if fn == nil {
		g.buffered = append(g.buffered, p)
		g.mu.Unlock()
		g.logger.Debug("buffered push until handler attaches", "type", p.MessageType())
		g.rec.RecordPush("sip", "buffered")
		return
	}
	g.mu.Unlock()
	fn(p)
}

// HandleSIPMessage is the standard handler for the three legacy subtypes.
// Installs via AttachSIPHandler once the app is initialized.
func (g *Gateway) HandleSIPMessage(p Payload) {
	switch p.MessageType() {
	case TypeCall:
		g.sipCall(p)
	case TypeCancel, TypeEnd:
		g.sipTerminate(p)
	default:
		g.logger.Warn("unknown legacy message type", "type", p.MessageType())
		g.rec.RecordPush("sip", "unknown_type")
	}
}

func (g *Gateway) sipCall(p Payload) {
	uid := g.freshUID()
	from := p.From()
	display := from
	if display == "" {
		display = "Unknown"
	}
	update := provider.CallUpdate{
		Handle:       from,
		DisplayName:  display,
		SupportsDTMF: true,
	}

	prov := g.ensureProvider()
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()
	if err := prov.ReportIncoming(ctx, uid, update); err != nil {
		g.logger.Error("incoming call registration failed", "call_id", uid, "error", err)
		g.rec.RecordError("voippush", err)
		g.rec.RecordPush("sip", "register_failed")
		return
	}
	g.rec.RecordPush("sip", "registered")

	rc := NewRegistrationContext(prov, uid, update, OriginSIP)
	g.notifyIncoming(rc)
}

// sipTerminate closes the platform record for the remembered correlation
// identifier. Arriving before any call push is fine: closing an unknown
// record is a no-op on the platform side.
func (g *Gateway) sipTerminate(p Payload) {
	g.mu.Lock()
	uid := g.uid
	g.uid = uuid.Nil
	g.mu.Unlock()

	if uid == uuid.Nil {
		g.logger.Info("terminate push with no remembered call", "type", p.MessageType())
		g.rec.RecordPush("sip", "terminate_unmatched")
		return
	}

	g.ensureProvider().Close(uid, provider.ReasonRemoteEnded)
	g.rec.RecordPush("sip", "terminated")
}

// freshUID allocates the correlation identifier for a new reconciliation
// cycle. A leftover identifier from an earlier cycle is discarded; reusing
// it across unrelated payloads would bind the wrong call.
func (g *Gateway) freshUID() uuid.UUID {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.uid != uuid.Nil {
		g.logger.Warn("replacing stale correlation id", "stale", g.uid)
	}
	g.uid = uuid.New()
	return g.uid
}

// CorrelationUID returns the identifier of the current cycle, uuid.Nil
// between cycles.
func (g *Gateway) CorrelationUID() uuid.UUID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.uid
}

// ensureProvider returns the platform provider, constructing it on first
// use. Guarded so a second concurrent push cannot double-construct.
func (g *Gateway) ensureProvider() *provider.Provider {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.provider == nil {
		g.provider = g.newProvider()
	}
	return g.provider
}

func (g *Gateway) notifyIncoming(rc *RegistrationContext) {
	g.mu.Lock()
	fn := g.onIncoming
	g.mu.Unlock()
	if fn != nil {
		fn(rc)
	}
}
