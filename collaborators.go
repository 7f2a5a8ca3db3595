package voicecall

import (
	"context"
	"time"

	"github.com/bt-bridge/voicecall/history"
	"github.com/bt-bridge/voicecall/tools"
)

type RingKind int

const (
	RingOutgoing RingKind = iota
	RingIncoming
)

// Ringer plays the ringback or ring tone while an attempt is unanswered.
type Ringer interface {
	Start(kind RingKind)
	Stop()
}

// AudioSink renders remote audio. *tools.Speaker satisfies it.
type AudioSink interface {
	Play(ctx context.Context, track tools.RemoteTrack)
	SetVolume(v float64)
}

// HistoryRecorder persists the outcome of every finished attempt.
type HistoryRecorder interface {
	RecordOutcome(ctx context.Context, rec history.Record) error
}

// Observer receives UI notifications. Methods run on the event loop and must
// not block or call Machine actions synchronously.
type Observer interface {
	OnStatus(m *Machine, status Status)
	OnTick(m *Machine, seconds int)
	OnQuality(m *Machine, quality Quality)
	OnICERestart(m *Machine)
	OnOutcome(m *Machine, outcome Outcome, reason Reason, duration time.Duration)
	OnClose(m *Machine)
	OnError(m *Machine, err error)
}

// BaseObserver implements Observer with no-ops, for embedding.
type BaseObserver struct{}

func (BaseObserver) OnStatus(*Machine, Status)                          {}
func (BaseObserver) OnTick(*Machine, int)                               {}
func (BaseObserver) OnQuality(*Machine, Quality)                        {}
func (BaseObserver) OnICERestart(*Machine)                              {}
func (BaseObserver) OnOutcome(*Machine, Outcome, Reason, time.Duration) {}
func (BaseObserver) OnClose(*Machine)                                   {}
func (BaseObserver) OnError(*Machine, error)                            {}

type nopRinger struct{}

func (nopRinger) Start(RingKind) {}
func (nopRinger) Stop()          {}

type nopSink struct{}

func (nopSink) Play(context.Context, tools.RemoteTrack) {}
func (nopSink) SetVolume(float64)                       {}

var (
	_ AudioSink       = (*tools.Speaker)(nil)
	_ HistoryRecorder = (*history.Client)(nil)
	_ HistoryRecorder = history.Nop{}
)
