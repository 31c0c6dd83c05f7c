package grbl

import (
	"bufio"
	"context"
	"sync"
	"time"

	"go.bug.st/serial"

	"codeberg.org/mutker/sensorless/internal/errors"
	"codeberg.org/mutker/sensorless/internal/logger"
	"codeberg.org/mutker/sensorless/internal/machine"
)

const (
	// statusPollInterval paces the '?' realtime queries that drive both
	// position tracking and the load-sample stream.
	statusPollInterval = 25 * time.Millisecond

	// sampleQueueSize bounds the transport-to-buffer queue. When full the
	// oldest sample is dropped so the reader goroutine never blocks on a
	// slow consumer.
	sampleQueueSize = 256

	resetSettleDelay = 300 * time.Millisecond
)

type loadSample struct {
	axis  machine.Axis
	value int
}

// SerialConfig holds the link parameters.
type SerialConfig struct {
	Port string
	Baud int
}

// Serial drives a grblHAL controller over a serial link. A reader
// goroutine parses incoming frames; parsed SG values flow through a bounded
// queue into subscriber callbacks, keeping per-axis order.
type Serial struct {
	port    serial.Port
	writeMu sync.Mutex

	stateMu sync.RWMutex
	pos     [machine.NumAxes]float64
	state   machine.RunState

	subMu sync.RWMutex
	subs  []func(machine.Axis, int)

	samples chan loadSample
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool

	log logger.Logger
}

// OpenSerial connects to the controller, clears its state with a soft
// reset, and starts the reader, dispatcher and status-poll goroutines.
func OpenSerial(cfg SerialConfig, log logger.Logger) (*Serial, error) {
	errFactory := errors.New()

	port, err := serial.Open(cfg.Port, &serial.Mode{BaudRate: cfg.Baud})
	if err != nil {
		return nil, errFactory.Wrap(ErrOpenFailed, err)
	}

	s := &Serial{
		port:    port,
		state:   machine.StateUnknown,
		samples: make(chan loadSample, sampleQueueSize),
		done:    make(chan struct{}),
		log:     log,
	}

	if err := s.SoftReset(); err != nil {
		port.Close()
		return nil, errFactory.Wrap(ErrResetFailed, err)
	}
	time.Sleep(resetSettleDelay)

	go s.readLoop()
	go s.dispatchLoop()
	go s.pollLoop()

	log.Info().Str("port", cfg.Port).Int("baud", cfg.Baud).Msg("Connected to grblHAL")

	return s, nil
}

// SendCommand writes one line command. Success means the bytes were
// accepted for transmission.
func (s *Serial) SendCommand(ctx context.Context, cmd string) error {
	errFactory := errors.New()

	select {
	case <-ctx.Done():
		return errFactory.Wrap(errors.ErrTimeout, ctx.Err())
	case <-s.done:
		return errFactory.New(ErrPortClosed)
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.port.Write([]byte(cmd + "\n")); err != nil {
		return errFactory.Wrap(ErrWriteFailed, err)
	}

	s.log.Debug().Str("cmd", cmd).Msg("Command sent")

	return nil
}

func (s *Serial) writeRealtime(b byte) error {
	errFactory := errors.New()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.port.Write([]byte{b}); err != nil {
		return errFactory.Wrap(ErrWriteFailed, err)
	}

	return nil
}

// FeedHold issues the realtime feed-hold byte.
func (s *Serial) FeedHold() error {
	return s.writeRealtime(rtFeedHold)
}

// SoftReset issues the realtime soft-reset byte.
func (s *Serial) SoftReset() error {
	return s.writeRealtime(rtSoftReset)
}

// CycleStart issues the realtime resume byte.
func (s *Serial) CycleStart() error {
	return s.writeRealtime(rtCycleStart)
}

// EmergencyStop halts motion unconditionally: feed hold, then soft reset.
func (s *Serial) EmergencyStop() error {
	errFactory := errors.New()

	if err := s.FeedHold(); err != nil {
		return errFactory.Wrap(ErrStopFailed, err)
	}
	if err := s.SoftReset(); err != nil {
		return errFactory.Wrap(ErrStopFailed, err)
	}

	return nil
}

// Position returns the last reported machine position of an axis.
func (s *Serial) Position(axis machine.Axis) float64 {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	if !axis.Valid() {
		return 0
	}

	return s.pos[axis]
}

// RunState returns the last reported controller state.
func (s *Serial) RunState() machine.RunState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	return s.state
}

// Subscribe registers a load-sample callback. Callbacks run on the
// dispatcher goroutine and must not block.
func (s *Serial) Subscribe(fn func(machine.Axis, int)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	s.subs = append(s.subs, fn)
}

// Close stops the background goroutines and closes the port.
func (s *Serial) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)

	return s.port.Close()
}

func (s *Serial) readLoop() {
	scanner := bufio.NewScanner(s.port)
	for scanner.Scan() {
		select {
		case <-s.done:
			return
		default:
		}

		line := scanner.Text()
		report, ok := ParseReport(line)
		if !ok {
			continue
		}

		s.stateMu.Lock()
		s.state = report.State
		if report.HasPos {
			s.pos = report.MPos
		}
		s.stateMu.Unlock()

		if !report.HasLoad {
			continue
		}

		for _, axis := range machine.Axes() {
			s.enqueue(loadSample{axis: axis, value: report.Load[axis]})
		}
	}
}

func (s *Serial) enqueue(ls loadSample) {
	for {
		select {
		case s.samples <- ls:
			return
		default:
		}

		// Queue full: drop the oldest so the reader never stalls.
		select {
		case <-s.samples:
		default:
		}
	}
}

func (s *Serial) dispatchLoop() {
	for {
		select {
		case <-s.done:
			return
		case ls := <-s.samples:
			s.subMu.RLock()
			subs := s.subs
			s.subMu.RUnlock()

			for _, fn := range subs {
				fn(ls.axis, ls.value)
			}
		}
	}
}

func (s *Serial) pollLoop() {
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.writeRealtime(rtStatusQuery); err != nil {
				s.log.Debug().Err(err).Msg("Status poll failed")
			}
		}
	}
}
