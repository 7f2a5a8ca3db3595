package agents

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	voicecall "github.com/bt-bridge/voicecall"
	"github.com/bt-bridge/voicecall/history"
	"github.com/bt-bridge/voicecall/media"
	"github.com/bt-bridge/voicecall/metrics"
	"github.com/bt-bridge/voicecall/shared"
	"github.com/bt-bridge/voicecall/signaling"
	"github.com/bt-bridge/voicecall/tools"
	"github.com/bt-bridge/voicecall/voicemsg"
	"github.com/goccy/go-yaml"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	micTestDuration = 3 * time.Second
	speakerBufferMs = 100
	levelBarWidth   = 30
)

type CLIState struct {
	recording *voicemsg.Recording
	testing   context.CancelFunc
}

func NewCLIState() *CLIState {
	return &CLIState{}
}

// CLIAgent is a terminal softphone. It reads commands from its input, drives
// a voicecall.Manager and prints the call screen through the printer.
type CLIAgent struct {
	voicecall.BaseObserver

	logger   shared.LoggerAdapter
	printer  *shared.Printer
	cfg      *shared.Config
	local    voicecall.UserInfo
	channel  *signaling.Channel
	capture  *media.Capture
	manager  *voicecall.Manager
	pipeline *voicemsg.Pipeline
	state    *CLIState
	outDir   string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Spawn connects to the signaling hub as local and starts reading commands
// from input. reg receives the call metrics and may be nil.
func (a *CLIAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg *shared.Config,
	local voicecall.UserInfo,
	printer *shared.Printer,
	input io.Reader,
	reg prometheus.Registerer,
) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if cfg == nil {
		return shared.ErrNoConfig
	}
	if printer == nil {
		return errors.New("no printer provided")
	}
	if local.Id == "" {
		return errors.New("no local user id provided")
	}
	a.logger = logger.With(zap.String("user", local.Id))
	a.printer = printer
	a.cfg = cfg
	a.local = local
	a.state = NewCLIState()
	a.done = make(chan struct{})
	a.outDir = "voice-messages"
	ctx, a.cancel = context.WithCancel(ctx)

	a.logger.Info("spawning CLI agent")
	a.println("🤖 Spawning softphone...\n", 0)
	a.println("📋 Config\n", 0)
	yamlBytes, err := yaml.Marshal(cfg.Call)
	if err != nil {
		a.logger.Error("marshaling call config to yaml", err)
		return err
	}
	if err := a.printer.Write(string(yamlBytes), 1); err != nil {
		a.logger.Error("printing call config", err)
	}

	// Microphone
	a.println("\n\n🎤 Preparing microphone...", 0)
	source, err := media.NewDeviceSource(a.logger, cfg.Media)
	if err != nil {
		a.logger.Error("creating device source", err)
		return err
	}
	a.capture, err = media.NewCapture(a.logger, source)
	if err != nil {
		a.logger.Error("creating capture", err)
		return err
	}
	a.pipeline, err = voicemsg.NewPipeline(a.logger, a.capture, cfg.VoiceMessage, media.ConstraintsFromConfig(cfg.Media))
	if err != nil {
		a.logger.Error("creating voice message pipeline", err)
		return err
	}
	a.println("✅ Microphone ready.\n", 0)

	// Speaker
	a.println("🔈 Opening speaker...", 0)
	speaker, err := tools.NewSpeaker(a.logger, cfg.Media.SampleRate, cfg.Media.ChannelCount, speakerBufferMs)
	if err != nil {
		a.logger.Error("opening speaker", err)
		return err
	}
	a.println("✅ Speaker ready.\n", 0)

	peers, err := voicecall.NewPionFactory(a.logger, cfg.ICE, source.CodecSelector())
	if err != nil {
		a.logger.Error("creating peer factory", err)
		return err
	}

	var recorder voicecall.HistoryRecorder = history.Nop{}
	if cfg.History.URL != "" {
		recorder, err = history.NewClient(a.logger, cfg.History)
		if err != nil {
			a.logger.Error("creating history client", err)
			return err
		}
	}

	// Signaling
	a.printf(0, "🌐 Connecting to %s...", cfg.Signaling.URL)
	transport, err := signaling.DialWebSocket(ctx, cfg.Signaling.URL, local.Id, cfg.Signaling)
	if err != nil {
		a.logger.Error("dialing signaling hub", err)
		a.println("❌ Unable to reach the signaling server.\n", 0)
		return err
	}
	a.channel, err = signaling.NewChannel(a.logger, transport)
	if err != nil {
		_ = transport.Close()
		a.logger.Error("creating signaling channel", err)
		return err
	}
	a.println("✅ Connected.\n", 0)

	observers := []voicecall.Observer{a}
	if reg != nil {
		observers = append(observers, metrics.NewCollector(reg))
	}
	a.manager, err = voicecall.NewManager(voicecall.Options{
		Logger:    a.logger,
		Config:    cfg,
		Channel:   a.channel,
		Capture:   a.capture,
		Peers:     peers,
		Local:     local,
		Ringer:    &cliRinger{agent: a},
		Sink:      speaker,
		History:   recorder,
		Observers: observers,
	})
	if err != nil {
		_ = a.channel.Close()
		a.logger.Error("creating call manager", err)
		return err
	}
	a.manager.OnIncoming(func(m *voicecall.Machine) {
		peer := m.Peer()
		a.printf(0, "📞 Incoming call from %s. Type 'accept' or 'decline'.", displayName(peer))
	})

	go a.readCommands(ctx, input)
	go func() {
		select {
		case <-ctx.Done():
		case <-a.channel.Done():
			a.println("❌ Signaling connection lost.", 0)
		}
		a.shutdown()
	}()
	a.println(helpText, 0)
	return nil
}

// UpdateConfig applies reloaded call timers to future calls.
func (a *CLIAgent) UpdateConfig(cfg *shared.Config) {
	if a.manager == nil || cfg == nil {
		return
	}
	a.manager.UpdateCallConfig(cfg.Call)
	a.println("🔄 Call settings reloaded.", 0)
}

func (a *CLIAgent) Done() <-chan struct{} {
	return a.done
}

func (a *CLIAgent) Close() error {
	if a.cancel == nil {
		return errors.New("agent not spawned")
	}
	a.cancel()
	return nil
}

func (a *CLIAgent) shutdown() {
	a.once.Do(func() {
		a.mu.Lock()
		if a.state.testing != nil {
			a.state.testing()
		}
		a.mu.Unlock()
		if a.pipeline != nil {
			a.pipeline.Close()
		}
		if a.manager != nil {
			a.manager.Close()
		}
		if a.channel != nil {
			if err := a.channel.Close(); err != nil {
				a.logger.Warn("closing signaling channel", zap.Error(err))
			}
		}
		a.logger.Info("CLI agent stopped")
		close(a.done)
	})
}

const helpText = `Commands:
  call <user> [name]   start a call
  accept | decline     answer a ringing call
  end                  hang up
  mute | speaker       toggle microphone and speaker volume
  status               show the current call
  mictest              show microphone levels for a few seconds
  record | send | discard
                       record a voice message and save it
  quit
`

type command struct {
	name string
	args []string
}

func parseCommand(line string) (command, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, false
	}
	return command{name: strings.ToLower(fields[0]), args: fields[1:]}, true
}

func (a *CLIAgent) readCommands(ctx context.Context, input io.Reader) {
	scanner := bufio.NewScanner(input)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		cmd, ok := parseCommand(scanner.Text())
		if !ok {
			continue
		}
		if cmd.name == "quit" || cmd.name == "exit" {
			a.shutdown()
			return
		}
		if err := a.run(ctx, cmd); err != nil {
			a.logger.Warn("command failed", zap.String("command", cmd.name), zap.Error(err))
			a.printf(1, "⚠️  %s", describe(err))
		}
	}
	if err := scanner.Err(); err != nil {
		a.logger.Error("reading commands", err)
	}
}

func (a *CLIAgent) run(ctx context.Context, cmd command) error {
	switch cmd.name {
	case "call":
		if len(cmd.args) == 0 {
			return errors.New("usage: call <user> [name]")
		}
		peer := voicecall.UserInfo{Id: cmd.args[0], DisplayName: strings.Join(cmd.args[1:], " ")}
		if _, err := a.manager.Dial(peer); err != nil {
			return err
		}
		return nil
	case "accept":
		return a.withCall(func(m *voicecall.Machine) error { return m.Accept() })
	case "decline":
		return a.withCall(func(m *voicecall.Machine) error { return m.Decline() })
	case "end", "hangup":
		return a.withCall(func(m *voicecall.Machine) error { return m.End() })
	case "mute":
		return a.withCall(func(m *voicecall.Machine) error {
			muted, err := m.ToggleMute()
			if err == nil {
				a.printf(1, "🎤 muted: %t", muted)
			}
			return err
		})
	case "speaker":
		return a.withCall(func(m *voicecall.Machine) error {
			loud, err := m.ToggleSpeakerVolume()
			if err == nil {
				a.printf(1, "🔊 loud speaker: %t", loud)
			}
			return err
		})
	case "status":
		return a.withCall(func(m *voicecall.Machine) error {
			a.printf(1, "%s with %s, %s, %s, quality %s",
				m.Status(), displayName(m.Peer()), m.Role(), formatDuration(m.DurationSeconds()), m.ConnectionQuality())
			return nil
		})
	case "mictest":
		return a.micTest(ctx)
	case "record":
		return a.record(ctx)
	case "send":
		return a.send()
	case "discard":
		return a.discard()
	case "help":
		a.println(helpText, 0)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd.name)
	}
}

func (a *CLIAgent) withCall(fn func(*voicecall.Machine) error) error {
	m := a.manager.Current()
	if m == nil {
		return errors.New("no call")
	}
	return fn(m)
}

func (a *CLIAgent) micTest(ctx context.Context) error {
	a.mu.Lock()
	if a.state.testing != nil {
		a.state.testing()
	}
	tctx, cancel := context.WithTimeout(ctx, micTestDuration)
	a.state.testing = cancel
	a.mu.Unlock()

	levels, err := a.pipeline.TestCapture(tctx)
	if err != nil {
		cancel()
		return err
	}
	a.println("🎙️  Speak now...", 0)
	go func() {
		for l := range levels {
			a.printf(1, "%s", levelBar(l, levelBarWidth))
		}
		a.println("✅ Microphone test finished.", 0)
	}()
	return nil
}

func (a *CLIAgent) record(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.testing != nil {
		a.state.testing()
		a.state.testing = nil
	}
	r, err := a.pipeline.StartRecording(ctx)
	if err != nil {
		return err
	}
	a.state.recording = r
	a.printf(0, "⏺️  Recording %s. Type 'send' or 'discard'.", r.MimeType())
	go func() {
		<-r.Done()
		if err := r.Err(); err != nil {
			a.printf(1, "⚠️  %s", describe(err))
		}
	}()
	return nil
}

func (a *CLIAgent) send() error {
	a.mu.Lock()
	r := a.state.recording
	a.state.recording = nil
	a.mu.Unlock()
	if r == nil {
		return errors.New("not recording")
	}
	clip, err := r.Stop()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(a.outDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", a.outDir, err)
	}
	path := filepath.Join(a.outDir, r.ID()+extension(clip.MimeType))
	if err := os.WriteFile(path, clip.Bytes, 0o644); err != nil {
		return fmt.Errorf("saving voice message: %w", err)
	}
	a.logger.Info("voice message saved", zap.String("path", path), zap.Float64("duration", clip.DurationSeconds))
	a.printf(0, "✅ Saved %.1fs voice message to %s", clip.DurationSeconds, path)
	return nil
}

func (a *CLIAgent) discard() error {
	a.mu.Lock()
	r := a.state.recording
	a.state.recording = nil
	a.mu.Unlock()
	if r == nil {
		return errors.New("not recording")
	}
	r.Discard()
	a.println("🗑️  Voice message discarded.", 0)
	return nil
}

// Observer

func (a *CLIAgent) OnStatus(m *voicecall.Machine, status voicecall.Status) {
	switch status {
	case voicecall.StatusDialing:
		a.printf(0, "📲 Calling %s...", displayName(m.Peer()))
	case voicecall.StatusActive:
		a.printf(0, "🟢 In call with %s.", displayName(m.Peer()))
	}
}

func (a *CLIAgent) OnTick(_ *voicecall.Machine, seconds int) {
	if seconds > 0 && seconds%30 == 0 {
		a.printf(1, "⏱️  %s", formatDuration(seconds))
	}
}

func (a *CLIAgent) OnQuality(_ *voicecall.Machine, q voicecall.Quality) {
	if q == voicecall.QualityPoor {
		a.println("📶 Connection is poor...", 1)
		return
	}
	a.println("📶 Connection restored.", 1)
}

func (a *CLIAgent) OnICERestart(*voicecall.Machine) {
	a.println("🔁 Reconnecting media...", 1)
}

func (a *CLIAgent) OnOutcome(m *voicecall.Machine, outcome voicecall.Outcome, reason voicecall.Reason, d time.Duration) {
	a.printf(0, "🔴 Call with %s %s (%s) after %s.", displayName(m.Peer()), outcome, reason, formatDuration(int(d.Seconds())))
}

func (a *CLIAgent) OnError(_ *voicecall.Machine, err error) {
	a.printf(1, "⚠️  %s", describe(err))
}

type cliRinger struct {
	agent *CLIAgent
}

func (r *cliRinger) Start(kind voicecall.RingKind) {
	if kind == voicecall.RingIncoming {
		r.agent.println("🔔 Ring ring...", 1)
		return
	}
	r.agent.println("🎶 Ringing...", 1)
}

func (r *cliRinger) Stop() {}

func (a *CLIAgent) println(s string, ind int) {
	if err := a.printer.Writeln(s, ind); err != nil {
		a.logger.Error("printing message", err)
	}
}

func (a *CLIAgent) printf(ind int, format string, args ...any) {
	if err := a.printer.Writef(ind, format, args...); err != nil {
		a.logger.Error("printing message", err)
	}
}

// describe turns errors into text for the call screen.
func describe(err error) string {
	switch {
	case errors.Is(err, shared.ErrDeviceUnavailable):
		return "Unable to access microphone. Please ensure that your microphone is connected and that you have granted permission to access it."
	case errors.Is(err, shared.ErrChannelUnavailable):
		return "Lost connection to the signaling server."
	case errors.Is(err, shared.ErrTransportDegraded):
		return "Media connection degraded."
	case errors.Is(err, shared.ErrNegotiationFailed):
		return "Could not set up the media connection."
	case errors.Is(err, shared.ErrCallInProgress):
		return "Finish the current call first."
	case errors.Is(err, shared.ErrSilentOrBrokenCapture):
		return "No audio is coming from the microphone."
	case errors.Is(err, shared.ErrEmptyRecording):
		return "Nothing was recorded."
	default:
		return err.Error()
	}
}

func displayName(u voicecall.UserInfo) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Id
}

func formatDuration(seconds int) string {
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

func levelBar(level float64, width int) string {
	n := int(level*float64(width) + 0.5)
	n = max(0, min(n, width))
	return "[" + strings.Repeat("█", n) + strings.Repeat(" ", width-n) + "]"
}

func extension(mime string) string {
	if strings.HasPrefix(mime, "audio/ogg") {
		return ".ogg"
	}
	return ".webm"
}
