package httpconn

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.CallerFieldName = "C"
	zerolog.MessageFieldName = "M"
	zerolog.LevelFieldName = "L"
	zerolog.ErrorFieldName = "E"
	zerolog.TimestampFieldName = "T"
	zerolog.ErrorStackFieldName = "S"
}

// Logger is used for logging formatted messages.
type Logger interface {
	// Printf must have the same semantics as log.Printf.
	Printf(format string, args ...any)
	// Write lets a Logger back a stdlib *log.Logger.
	Write(b []byte) (int, error)
}

// printfLogger feeds Printf style output from the protocol drivers into zerolog.
type printfLogger struct {
	l     zerolog.Logger
	level zerolog.Level
}

var _ Logger = printfLogger{}

func newPrintfLogger(l zerolog.Logger, level zerolog.Level) printfLogger {
	return printfLogger{l: l, level: level}
}

func (p printfLogger) Printf(format string, args ...any) {
	p.l.WithLevel(p.level).Msg(fmt.Sprintf(format, args...))
}

func (p printfLogger) Write(b []byte) (int, error) {
	p.l.WithLevel(p.level).Msg(strings.TrimSuffix(string(b), "\n"))
	return len(b), nil
}

// trace emits the connection events of the core. Every event carries the
// connection id under "cid".
type trace struct {
	l zerolog.Logger
}

func newTrace(l zerolog.Logger) trace {
	return trace{l: l}
}

func (t trace) Logger() zerolog.Logger {
	return t.l
}

func (t trace) ConnectionStart(id string, remote, local fmt.Stringer) {
	t.l.Debug().Str("cid", id).Stringer("remote", remote).Stringer("local", local).Msg("connection start")
}

func (t trace) ConnectionStop(id string) {
	t.l.Debug().Str("cid", id).Msg("connection stop")
}

func (t trace) ConnectionDisconnect(id string, reason error) {
	t.l.Debug().Str("cid", id).AnErr("reason", reason).Msg("connection disconnect")
}

func (t trace) ConnectionRejected(id string, reason error) {
	t.l.Warn().Str("cid", id).Err(reason).Msg("connection rejected")
}

func (t trace) ConnectionAdapterFailed(id string, err error) {
	var ae *AdapterError
	ev := t.l.Error().Str("cid", id).Err(err)
	if asAdapterError(err, &ae) {
		ev = ev.Str("adapter", ae.Adapter)
	}
	ev.Msg("connection adapter failed")
}

func (t trace) ProtocolSelectionFailed(id string, err error) {
	t.l.Error().Str("cid", id).Err(err).Msg("protocol selection failed")
}

func (t trace) ConnectionTimedOut(id string, reason TimeoutReason, action TimeoutAction) {
	t.l.Info().Str("cid", id).Stringer("reason", reason).Stringer("action", action).Msg("connection timed out")
}

func (t trace) RequestBodyMinimumDataRateNotSatisfied(id string, rate float64) {
	t.l.Info().Str("cid", id).Float64("min_bps", rate).Msg("request body minimum data rate not satisfied")
}

func (t trace) ResponseMinimumDataRateNotSatisfied(id string) {
	t.l.Info().Str("cid", id).Msg("response minimum data rate not satisfied")
}

func (t trace) ApplicationError(id string, err error) {
	t.l.Error().Str("cid", id).Err(err).Msg("application error")
}

func (t trace) DriverFault(id string, err error) {
	t.l.Error().Str("cid", id).Err(err).Msg("protocol driver fault")
}

func (t trace) UpgradedConnectionLimitReached(id string) {
	t.l.Warn().Str("cid", id).Msg("upgraded connection limit reached")
}

func (t trace) HeartbeatSlow(interval time.Duration, now time.Time) {
	t.l.Warn().Dur("interval", interval).Time("now", now).Msg("heartbeat took longer than its interval")
}
