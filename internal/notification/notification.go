package notification

import (
	"context"
	"log/slog"
	"sync"
)

const (
	// KindPaymentReceived indicates a gift wallet received a matching payment.
	KindPaymentReceived = "payment_received"
	// KindPaymentMismatch indicates a payment outside tolerance that went to charity.
	KindPaymentMismatch = "payment_mismatch"
	// KindGiftClaimed indicates a recipient claimed a gift.
	KindGiftClaimed = "gift_claimed"
	// KindGiftTransferred indicates gift funds left escrow.
	KindGiftTransferred = "gift_transferred"
	// KindGiftExpired indicates an unclaimed gift was swept.
	KindGiftExpired = "gift_expired"
)

// Message describes a notification payload.
type Message struct {
	Kind        string
	GiftCode    string
	Destination string
	Body        string
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier is a stub implementation that writes notifications to the logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier stub.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification",
		"kind", message.Kind, "gift_code", message.GiftCode,
		"destination", message.Destination, "body", message.Body)
	return nil
}

// Recorder keeps messages in memory. Used by tests.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Send records message.
func (r *Recorder) Send(_ context.Context, message Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	return nil
}

// Kinds returns the recorded message kinds in order.
func (r *Recorder) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.messages))
	for i, m := range r.messages {
		out[i] = m.Kind
	}
	return out
}
