// Package run hosts the per-run actor: the stream generator that drives a
// brain's block list, the signal mailbox, the watcher fan-out, resume
// context reconstruction, and the manager that keys actors by run id.
package run

import (
	"sync"

	"github.com/cerebro-sh/cerebro/pkg/models"
)

// Mailbox is the run's multi-producer, single-consumer signal box. Signals
// are held in per-category queues because they are consumed at different
// suspension points: control signals at every drain, user messages only
// inside agent loops, webhook responses only when an executor resumes.
type Mailbox struct {
	mu               sync.Mutex
	control          []models.Signal
	userMessages     []models.Signal
	webhookResponses []models.Signal
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{}
}

// Put enqueues a signal.
func (m *Mailbox) Put(sig models.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch sig.Type {
	case models.SignalKill, models.SignalPause:
		m.control = append(m.control, sig)
	case models.SignalUserMessage:
		m.userMessages = append(m.userMessages, sig)
	case models.SignalWebhookResponse:
		m.webhookResponses = append(m.webhookResponses, sig)
	}
}

// TakeControl pops a pending control signal. KILL wins over PAUSE when both
// are queued: termination is the documented tie-break.
func (m *Mailbox) TakeControl() *models.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.control) == 0 {
		return nil
	}
	for i := range m.control {
		if m.control[i].Type == models.SignalKill {
			sig := m.control[i]
			m.control = nil
			return &sig
		}
	}
	sig := m.control[0]
	m.control = m.control[1:]
	return &sig
}

// TakeUserMessage pops a buffered USER_MESSAGE, or returns nil.
func (m *Mailbox) TakeUserMessage() *models.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.userMessages) == 0 {
		return nil
	}
	sig := m.userMessages[0]
	m.userMessages = m.userMessages[1:]
	return &sig
}

// HasWebhookResponse reports whether a WEBHOOK_RESPONSE is queued without
// consuming it.
func (m *Mailbox) HasWebhookResponse() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.webhookResponses) > 0
}

// TakeWebhookResponse pops a pending WEBHOOK_RESPONSE, or returns nil.
func (m *Mailbox) TakeWebhookResponse() *models.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.webhookResponses) == 0 {
		return nil
	}
	sig := m.webhookResponses[0]
	m.webhookResponses = m.webhookResponses[1:]
	return &sig
}
