// Package chat defines the transport capability the negotiation engine uses
// to talk to a ticket's chat room. Implementations live with the platform
// integrations; the engine only emits prompts and never makes negotiation
// decisions based on transport state.
package chat

import (
	"context"
	"fmt"
	"sync"
)

// Button is one inline keyboard button. Data is the callback payload routed
// back to the engine when pressed.
type Button struct {
	Label string
	Data  string
}

// Transport sends and edits messages in ticket channels.
type Transport interface {
	// SendMessage posts text with optional button rows and returns the
	// message id for later edits.
	SendMessage(ctx context.Context, channel, text string, buttons [][]Button) (string, error)
	// EditMessage rewrites a previously sent message in place.
	EditMessage(ctx context.Context, channel, messageID, text string, buttons [][]Button) error
	// KickExtras removes everyone from the channel except the given users.
	KickExtras(ctx context.Context, channel string, keep []string) error
}

// Sent is one message recorded by the Mock.
type Sent struct {
	Channel string
	Text    string
	Buttons [][]Button
	Edited  bool
}

// Mock is an in-memory Transport for tests and dry runs.
type Mock struct {
	mu     sync.Mutex
	sent   []Sent
	kicked map[string][]string
	nextID int
}

// NewMock creates an empty mock transport.
func NewMock() *Mock {
	return &Mock{kicked: make(map[string][]string)}
}

func (m *Mock) SendMessage(_ context.Context, channel, text string, buttons [][]Button) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, Sent{Channel: channel, Text: text, Buttons: buttons})
	m.nextID++
	return fmt.Sprintf("msg-%d", m.nextID), nil
}

func (m *Mock) EditMessage(_ context.Context, channel, _ string, text string, buttons [][]Button) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, Sent{Channel: channel, Text: text, Buttons: buttons, Edited: true})
	return nil
}

func (m *Mock) KickExtras(_ context.Context, channel string, keep []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kicked[channel] = keep
	return nil
}

// Messages returns everything sent or edited so far.
func (m *Mock) Messages() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sent, len(m.sent))
	copy(out, m.sent)
	return out
}

// Kicked returns the keep-list passed to the last KickExtras for channel.
func (m *Mock) Kicked(channel string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kicked[channel]
}
