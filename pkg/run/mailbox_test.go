package run

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cerebro-sh/cerebro/pkg/models"
)

func TestMailboxEmpty(t *testing.T) {
	m := NewMailbox()
	assert.Nil(t, m.TakeControl())
	assert.Nil(t, m.TakeUserMessage())
	assert.Nil(t, m.TakeWebhookResponse())
}

func TestMailboxControlFIFO(t *testing.T) {
	m := NewMailbox()
	m.Put(models.Signal{Type: models.SignalPause})
	m.Put(models.Signal{Type: models.SignalPause})

	sig := m.TakeControl()
	require.NotNil(t, sig)
	assert.Equal(t, models.SignalPause, sig.Type)
	require.NotNil(t, m.TakeControl())
	assert.Nil(t, m.TakeControl())
}

func TestMailboxKillWinsOverPause(t *testing.T) {
	m := NewMailbox()
	m.Put(models.Signal{Type: models.SignalPause})
	m.Put(models.Signal{Type: models.SignalKill})

	sig := m.TakeControl()
	require.NotNil(t, sig)
	assert.Equal(t, models.SignalKill, sig.Type)
	assert.Nil(t, m.TakeControl(), "pause is discarded once the kill is taken")
}

func TestMailboxQueuesAreIndependent(t *testing.T) {
	m := NewMailbox()
	m.Put(models.Signal{Type: models.SignalUserMessage, Content: "hi"})
	m.Put(models.Signal{Type: models.SignalWebhookResponse, Webhook: &models.WebhookDelivery{
		Slug:     "hook",
		Response: json.RawMessage(`{"ok":true}`),
	}})

	assert.Nil(t, m.TakeControl())

	user := m.TakeUserMessage()
	require.NotNil(t, user)
	assert.Equal(t, "hi", user.Content)
	assert.Nil(t, m.TakeUserMessage())

	hook := m.TakeWebhookResponse()
	require.NotNil(t, hook)
	assert.Equal(t, "hook", hook.Webhook.Slug)
	assert.Nil(t, m.TakeWebhookResponse())
}
