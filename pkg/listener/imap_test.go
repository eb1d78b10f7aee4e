package listener

import (
	"testing"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telekom/mail-courier/pkg/config"
	"github.com/telekom/mail-courier/pkg/system"
)

func TestIMAPClient_ExpungeTotalSurvivesFullBuffer(t *testing.T) {
	c := NewIMAPClient(config.IMAP{Host: "imap.example.com", Username: "user"}, system.NewTestLogger())
	c.count = 10
	handler := c.options().UnilateralDataHandler

	for range eventBuffer {
		c.emit(Event{Kind: EventFlags})
	}
	// buffer is full, this expunge event is dropped
	handler.Expunge(4)
	for range eventBuffer {
		<-c.events
	}

	exists := uint32(10)
	handler.Mailbox(&imapclient.UnilateralDataMailbox{NumMessages: &exists})

	require.Len(t, c.events, 1)
	ev := <-c.events
	assert.Equal(t, EventNewMail, ev.Kind)
	assert.Equal(t, uint32(10), ev.Count)
	assert.Equal(t, uint64(1), ev.Expunged)

	s := &session{count: 10}
	assert.Equal(t, 1, s.observe(ev, time.Now()))
	assert.Equal(t, uint32(10), s.count)
}
