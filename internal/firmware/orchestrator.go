// Package firmware streams firmware images to the peripheral, one
// acknowledged step at a time.
package firmware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skobkin/sparkin/internal/devicelink"
)

const (
	ChunkSize = devicelink.FirmwareChunkSize

	DefaultStartTimeout = 15 * time.Second
	DefaultChunkTimeout = 3 * time.Second
	DefaultFinalTimeout = 10 * time.Second

	// Progress below progressBase belongs to the download step.
	progressBase = 20
	progressSpan = 80
)

const (
	ReasonNoStartAck   = "no start acknowledgment"
	ReasonUnresponsive = "device unresponsive during transfer"
	ReasonNoFinalAck   = "no final acknowledgment"
)

var (
	ErrBusy       = errors.New("firmware update already running")
	ErrEmptyImage = errors.New("firmware image is empty")
)

type Phase int32

const (
	PhaseIdle Phase = iota
	PhasePreparing
	PhaseAwaitingStartAck
	PhaseStreaming
	PhaseAwaitingFinalAck
	PhaseSucceeded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePreparing:
		return "preparing"
	case PhaseAwaitingStartAck:
		return "awaiting_start_ack"
	case PhaseStreaming:
		return "streaming"
	case PhaseAwaitingFinalAck:
		return "awaiting_final_ack"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Sender delivers update commands to the device, usually over the channel.
type Sender interface {
	StartUpdate(ctx context.Context, total uint32) error
	SendChunk(ctx context.Context, chunk []byte) error
	EndUpdate(ctx context.Context, checksum string) error
}

// Reporter observes a running update. Finished is called exactly once.
type Reporter interface {
	Progress(percent int)
	Finished(Result)
}

// ReporterFuncs adapts plain functions to Reporter. Nil fields are skipped.
type ReporterFuncs struct {
	OnProgress func(percent int)
	OnFinished func(Result)
}

func (r ReporterFuncs) Progress(percent int) {
	if r.OnProgress != nil {
		r.OnProgress(percent)
	}
}

func (r ReporterFuncs) Finished(res Result) {
	if r.OnFinished != nil {
		r.OnFinished(res)
	}
}

// HistoryRecorder stores update outcomes.
type HistoryRecorder interface {
	RecordFirmwareUpdate(ctx context.Context, res Result) error
}

type Result struct {
	SessionID string
	Success   bool
	Reason    string
	// Phase is where the update ended.
	Phase      Phase
	Checksum   string
	Total      int
	Sent       int
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

type Options struct {
	StartTimeout time.Duration
	ChunkTimeout time.Duration
	FinalTimeout time.Duration
	History      HistoryRecorder
}

func (o Options) withDefaults() Options {
	if o.StartTimeout <= 0 {
		o.StartTimeout = DefaultStartTimeout
	}
	if o.ChunkTimeout <= 0 {
		o.ChunkTimeout = DefaultChunkTimeout
	}
	if o.FinalTimeout <= 0 {
		o.FinalTimeout = DefaultFinalTimeout
	}

	return o
}

type Orchestrator struct {
	sender Sender
	acks   *Acker
	logger *slog.Logger
	opts   Options
	now    func() time.Time

	running atomic.Bool
	phase   atomic.Int32
}

func NewOrchestrator(sender Sender, logger *slog.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		sender: sender,
		acks:   NewAcker(logger),
		logger: logger,
		opts:   opts.withDefaults(),
		now:    time.Now,
	}
}

// HandleFrame feeds update acknowledgments into the orchestrator. It reports
// whether the frame belonged to the update protocol.
func (o *Orchestrator) HandleFrame(f devicelink.Frame) bool {
	switch f.Opcode {
	case devicelink.OpFirmwareStart, devicelink.OpFirmwareChunk, devicelink.OpFirmwareEnd:
		o.acks.Signal(f)
		return true
	default:
		return false
	}
}

func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

func (o *Orchestrator) Phase() Phase {
	return Phase(o.phase.Load())
}

// Run performs one update and blocks until it ends. Canceling ctx counts as
// a missed deadline of the current phase.
func (o *Orchestrator) Run(ctx context.Context, img Image, rep Reporter) Result {
	if rep == nil {
		rep = ReporterFuncs{}
	}
	if !o.running.CompareAndSwap(false, true) {
		res := Result{Reason: ErrBusy.Error(), Phase: PhaseFailed, Err: ErrBusy}
		rep.Finished(res)
		return res
	}
	defer o.running.Store(false)

	r := &run{
		o:   o,
		rep: rep,
		res: Result{
			SessionID: uuid.NewString(),
			Checksum:  img.Checksum,
			StartedAt: o.now(),
		},
		last: -1,
	}
	r.logger = o.logger.With("session_id", r.res.SessionID)

	r.execute(ctx, img)

	r.res.FinishedAt = o.now()
	if o.opts.History != nil {
		if err := o.opts.History.RecordFirmwareUpdate(context.WithoutCancel(ctx), r.res); err != nil {
			r.logger.Warn("record firmware update failed", "error", err)
		}
	}
	rep.Finished(r.res)

	return r.res
}

type run struct {
	o      *Orchestrator
	rep    Reporter
	logger *slog.Logger
	res    Result
	last   int
}

func (r *run) setPhase(p Phase) {
	r.o.phase.Store(int32(p))
	r.res.Phase = p
	r.logger.Debug("firmware update phase", "phase", p)
}

func (r *run) progress(percent int) {
	if percent <= r.last {
		return
	}
	r.last = percent
	r.rep.Progress(percent)
}

func (r *run) fail(reason string, err error) {
	r.res.Success = false
	r.res.Reason = reason
	r.res.Err = err
	r.logger.Warn("firmware update failed", "phase", r.res.Phase, "reason", reason, "sent", r.res.Sent, "total", r.res.Total)
	r.setPhase(PhaseFailed)
}

func (r *run) execute(ctx context.Context, img Image) {
	o := r.o

	r.setPhase(PhasePreparing)
	payload, err := img.payload()
	if err != nil {
		r.fail("prepare image: "+err.Error(), err)
		return
	}
	if len(payload) == 0 {
		r.fail(ErrEmptyImage.Error(), ErrEmptyImage)
		return
	}
	if img.Checksum == "" {
		r.fail("missing image checksum", ErrEmptyImage)
		return
	}
	r.res.Total = len(payload)
	r.logger.Info("firmware update started",
		"image_len", len(img.Data), "payload_len", len(payload), "compressed", img.Compress, "checksum", img.Checksum)

	r.setPhase(PhaseAwaitingStartAck)
	o.acks.Reset()
	// #nosec G115 -- images are far below 4 GiB.
	if err := o.sender.StartUpdate(ctx, uint32(len(payload))); err != nil {
		r.fail("send start: "+err.Error(), err)
		return
	}
	if _, err := o.acks.Wait(ctx, devicelink.OpFirmwareStart, o.opts.StartTimeout); err != nil {
		r.fail(ReasonNoStartAck, err)
		return
	}
	r.progress(progressBase)

	r.setPhase(PhaseStreaming)
	for off := 0; off < len(payload); off += ChunkSize {
		end := min(off+ChunkSize, len(payload))

		o.acks.Reset()
		if err := o.sender.SendChunk(ctx, payload[off:end]); err != nil {
			r.fail("send chunk: "+err.Error(), err)
			return
		}
		if _, err := o.acks.Wait(ctx, devicelink.OpFirmwareChunk, o.opts.ChunkTimeout); err != nil {
			r.fail(ReasonUnresponsive, err)
			return
		}
		r.res.Sent = end
		r.progress(progressFor(end, len(payload)))
	}

	r.setPhase(PhaseAwaitingFinalAck)
	o.acks.Reset()
	if err := o.sender.EndUpdate(ctx, img.Checksum); err != nil {
		r.fail("send end: "+err.Error(), err)
		return
	}
	ack, err := o.acks.Wait(ctx, devicelink.OpFirmwareEnd, o.opts.FinalTimeout)
	if err != nil {
		r.fail(ReasonNoFinalAck, err)
		return
	}
	if st, ok := ack.Status(); !ok || st != devicelink.StatusSuccess {
		r.fail(rejectedReason(ack), nil)
		return
	}

	r.progress(100)
	r.res.Success = true
	r.setPhase(PhaseSucceeded)
	r.logger.Info("firmware update finished", "sent", r.res.Sent)
}

func rejectedReason(f devicelink.Frame) string {
	st, ok := f.Status()
	if !ok {
		return "device rejected update (no status)"
	}

	return fmt.Sprintf("device rejected update (status 0x%02X)", byte(st))
}

func progressFor(sent, total int) int {
	if total <= 0 {
		return progressBase
	}

	return progressBase + sent*progressSpan/total
}
