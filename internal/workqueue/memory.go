package workqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const memoryPollInterval = 25 * time.Millisecond

// Memory is an in-process Queue with the full FIFO contract: per-group
// ordering, bounded-window dedup, visibility timeouts, and dead-letter
// routing once a message has been received MaxReceiveCount times without an
// acknowledgement. It backs local runs and the contract tests.
type Memory struct {
	mu sync.Mutex

	visibility      time.Duration
	maxReceiveCount int
	dedupWindow     time.Duration
	deadLetter      *Memory
	now             func() time.Time

	messages []*memoryMessage
	dedup    map[string]dedupEntry
}

type memoryMessage struct {
	id           string
	group        string
	body         []byte
	receiveCount int

	inflight       bool
	receiptHandle  string
	invisibleUntil time.Time
}

type dedupEntry struct {
	messageID string
	expiresAt time.Time
}

func NewMemory(cfg Config) *Memory {
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = defaultVisibilityTimeout
	}
	maxReceive := cfg.MaxReceiveCount
	if maxReceive <= 0 {
		maxReceive = defaultMaxReceiveCount
	}
	dedupWindow := cfg.DedupWindow
	if dedupWindow <= 0 {
		dedupWindow = defaultDedupWindow
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Memory{
		visibility:      visibility,
		maxReceiveCount: maxReceive,
		dedupWindow:     dedupWindow,
		deadLetter:      cfg.DeadLetter,
		now:             now,
		dedup:           make(map[string]dedupEntry),
	}
}

func (m *Memory) Publish(_ context.Context, body []byte, groupID, dedupID string) (string, error) {
	if err := validatePublish(body, groupID, dedupID); err != nil {
		return "", err
	}
	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.dedup[dedupID]; ok && now.Before(entry.expiresAt) {
		return entry.messageID, nil
	}
	id := uuid.NewString()
	m.messages = append(m.messages, &memoryMessage{
		id:    id,
		group: groupID,
		body:  append([]byte(nil), body...),
	})
	m.dedup[dedupID] = dedupEntry{messageID: id, expiresAt: now.Add(m.dedupWindow)}
	return id, nil
}

func (m *Memory) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]Delivery, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}
	deadline := m.now().Add(clampWait(wait))
	for {
		if deliveries := m.receiveOnce(maxMessages); len(deliveries) > 0 {
			return deliveries, nil
		}
		if !m.now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(memoryPollInterval):
		}
	}
}

func (m *Memory) receiveOnce(maxMessages int) []Delivery {
	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Release expired in-flight messages before scanning.
	for _, msg := range m.messages {
		if msg.inflight && !now.Before(msg.invisibleUntil) {
			msg.inflight = false
			msg.receiptHandle = ""
		}
	}

	var deliveries []Delivery
	for {
		deadLettered := false
		blocked := make(map[string]bool)
		for _, msg := range m.messages {
			if msg.inflight {
				blocked[msg.group] = true
			}
		}
		for i, msg := range m.messages {
			if len(deliveries) >= maxMessages {
				break
			}
			if msg.inflight || blocked[msg.group] {
				continue
			}
			// Head of its group from here on; later messages of the
			// group stay behind it either way.
			blocked[msg.group] = true

			if msg.receiveCount >= m.maxReceiveCount {
				if m.deadLetter != nil {
					m.deadLetter.enqueueDirect(msg.group, msg.body)
				}
				m.messages = append(m.messages[:i], m.messages[i+1:]...)
				deadLettered = true
				break
			}

			msg.receiveCount++
			msg.inflight = true
			msg.receiptHandle = uuid.NewString()
			msg.invisibleUntil = now.Add(m.visibility)
			deliveries = append(deliveries, Delivery{
				MessageID:     msg.id,
				ReceiptHandle: msg.receiptHandle,
				Body:          append([]byte(nil), msg.body...),
				ReceiveCount:  msg.receiveCount,
			})
		}
		if !deadLettered {
			return deliveries
		}
	}
}

func (m *Memory) enqueueDirect(group string, body []byte) {
	m.mu.Lock()
	m.messages = append(m.messages, &memoryMessage{
		id:    uuid.NewString(),
		group: group,
		body:  append([]byte(nil), body...),
	})
	m.mu.Unlock()
}

func (m *Memory) Ack(_ context.Context, receiptHandle string) error {
	if receiptHandle == "" {
		return fmt.Errorf("%w: empty receipt handle", ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, msg := range m.messages {
		if msg.inflight && msg.receiptHandle == receiptHandle {
			m.messages = append(m.messages[:i], m.messages[i+1:]...)
			return nil
		}
	}
	return ErrUnknownReceipt
}

func (m *Memory) ExtendVisibility(_ context.Context, receiptHandle string, d time.Duration) error {
	if receiptHandle == "" {
		return fmt.Errorf("%w: empty receipt handle", ErrInvalidInput)
	}
	if d <= 0 {
		return fmt.Errorf("%w: non-positive visibility extension", ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.inflight && msg.receiptHandle == receiptHandle {
			msg.invisibleUntil = m.now().UTC().Add(d)
			return nil
		}
	}
	return ErrUnknownReceipt
}

// Len reports queued plus in-flight messages. Test helper.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}
