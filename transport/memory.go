package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/remoteassist/signaling"
	"github.com/sirupsen/logrus"
)

// DeliveryRecord represents one Send on a MemoryTransport for test verification.
type DeliveryRecord struct {
	Message   signaling.Message
	Size      int
	Timestamp int64
	Success   bool
	Error     error
}

// MemoryTransport is an in-process signaling transport. Two of them form a
// pair; every message is encoded and decoded with the wire codec on its
// way across so the pair behaves like a real link.
type MemoryTransport struct {
	name string

	mu          sync.RWMutex
	peer        *MemoryTransport
	inbound     chan signaling.Message
	done        chan struct{}
	closeOnce   sync.Once
	closed      bool
	deliveryLog []DeliveryRecord
	drop        func(signaling.Message) bool
	sendErr     error
}

// NewMemoryPair returns two connected transports. buffer is the inbound
// capacity of each side.
func NewMemoryPair(buffer int) (*MemoryTransport, *MemoryTransport) {
	if buffer <= 0 {
		buffer = 64
	}
	a := newMemoryTransport("a", buffer)
	b := newMemoryTransport("b", buffer)
	a.peer, b.peer = b, a

	logrus.WithFields(logrus.Fields{
		"function": "NewMemoryPair",
		"buffer":   buffer,
	}).Debug("Created in-memory signaling pair")
	return a, b
}

func newMemoryTransport(name string, buffer int) *MemoryTransport {
	return &MemoryTransport{
		name:    name,
		inbound: make(chan signaling.Message, buffer),
		done:    make(chan struct{}),
	}
}

// Connect is a no-op; the pair is connected at construction.
func (t *MemoryTransport) Connect(ctx context.Context, url string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrClosed
	}
	logrus.WithFields(logrus.Fields{
		"function": "MemoryTransport.Connect",
		"side":     t.name,
		"url":      url,
	}).Debug("In-memory transport connect")
	return nil
}

// Disconnect closes this side. The peer's later sends fail with ErrClosed.
func (t *MemoryTransport) Disconnect() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		t.closed = true
		close(t.inbound)
		t.mu.Unlock()
	})
	return nil
}

// Send encodes msg, decodes it again and delivers it to the peer.
func (t *MemoryTransport) Send(ctx context.Context, msg signaling.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", signaling.ErrValidation)
	}

	t.mu.RLock()
	closed, peer, drop, sendErr := t.closed, t.peer, t.drop, t.sendErr
	t.mu.RUnlock()

	if closed {
		return t.record(msg, 0, ErrClosed)
	}
	if sendErr != nil {
		return t.record(msg, 0, sendErr)
	}

	frame, err := signaling.Marshal(msg)
	if err != nil {
		return t.record(msg, 0, err)
	}
	if drop != nil && drop(msg) {
		logrus.WithFields(logrus.Fields{
			"function": "MemoryTransport.Send",
			"side":     t.name,
			"type":     msg.Type(),
		}).Debug("Dropping message by filter")
		return t.record(msg, len(frame), nil)
	}

	decoded, err := signaling.Unmarshal(frame)
	if err != nil {
		return t.record(msg, len(frame), err)
	}
	if err := peer.deliver(ctx, decoded); err != nil {
		return t.record(msg, len(frame), err)
	}
	return t.record(msg, len(frame), nil)
}

func (t *MemoryTransport) deliver(ctx context.Context, msg signaling.Message) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return fmt.Errorf("%w: peer disconnected", ErrClosed)
	}
	select {
	case t.inbound <- msg:
		return nil
	case <-t.done:
		return fmt.Errorf("%w: peer disconnected", ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inject delivers msg to this side's inbound stream as if the peer sent it.
func (t *MemoryTransport) Inject(ctx context.Context, msg signaling.Message) error {
	return t.deliver(ctx, msg)
}

// InjectFrame decodes a raw frame and delivers it. Malformed frames are
// dropped with a warning and the decode error is returned.
func (t *MemoryTransport) InjectFrame(ctx context.Context, frame []byte) error {
	msg, err := signaling.Unmarshal(frame)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "MemoryTransport.InjectFrame",
			"side":     t.name,
			"error":    err.Error(),
		}).Warn("Dropping malformed signaling frame")
		return err
	}
	return t.deliver(ctx, msg)
}

// Messages returns the inbound stream, closed by Disconnect.
func (t *MemoryTransport) Messages() <-chan signaling.Message {
	return t.inbound
}

// SetDropFilter makes Send silently discard messages for which fn returns true.
func (t *MemoryTransport) SetDropFilter(fn func(signaling.Message) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.drop = fn
}

// SetSendError makes every Send fail with err until cleared with nil.
func (t *MemoryTransport) SetSendError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

// DeliveryLog returns a copy of every Send attempt.
func (t *MemoryTransport) DeliveryLog() []DeliveryRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]DeliveryRecord, len(t.deliveryLog))
	copy(out, t.deliveryLog)
	return out
}

// Sent returns the successfully sent messages of type typ.
func (t *MemoryTransport) Sent(typ signaling.Type) []signaling.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []signaling.Message
	for _, r := range t.deliveryLog {
		if r.Success && r.Message.Type() == typ {
			out = append(out, r.Message)
		}
	}
	return out
}

// ClearDeliveryLog clears the delivery log.
func (t *MemoryTransport) ClearDeliveryLog() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deliveryLog = t.deliveryLog[:0]
}

func (t *MemoryTransport) record(msg signaling.Message, size int, err error) error {
	t.mu.Lock()
	t.deliveryLog = append(t.deliveryLog, DeliveryRecord{
		Message:   msg,
		Size:      size,
		Timestamp: time.Now().UnixNano(),
		Success:   err == nil,
		Error:     err,
	})
	t.mu.Unlock()

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "MemoryTransport.Send",
			"side":     t.name,
			"type":     msg.Type(),
			"error":    err.Error(),
		}).Debug("In-memory delivery failed")
	}
	return err
}
