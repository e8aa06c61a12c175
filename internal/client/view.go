package client

import (
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ktirumal2006/Study-Hub/internal/protocol"
)

// DedupWindow is how close in time a server echo must be to an existing
// message with the same author and text to be treated as a duplicate.
const DedupWindow = 5000 * time.Millisecond

// TypingTTL is how long a typing indicator stays up without a refresh.
const TypingTTL = 2 * time.Second

// ChatMessage is one entry in the rendered transcript.
type ChatMessage struct {
	Author    string
	Text      string
	Timestamp int64 // millisecond epoch
	System    bool
}

// ChatView folds the server event stream into chat state: an ordered
// transcript with echo deduplication and a typing roster whose entries
// expire on their own. Apply satisfies the Manager's Listener signature.
type ChatView struct {
	mu        sync.Mutex
	messages  []ChatMessage
	typing    map[string]*time.Timer
	closed    bool
	now       func() time.Time
	typingTTL time.Duration
}

// NewChatView creates an empty view.
func NewChatView() *ChatView {
	return &ChatView{
		typing:    make(map[string]*time.Timer),
		now:       time.Now,
		typingTTL: TypingTTL,
	}
}

// Apply consumes one server event. Unknown event types are ignored so the
// view keeps working across server upgrades.
func (v *ChatView) Apply(eventType string, payload json.RawMessage) {
	switch eventType {
	case protocol.EventMessage:
		var p protocol.MessagePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			log.Printf("client: bad message payload: %v", err)
			return
		}
		v.addMessage(ChatMessage{Author: p.Author, Text: p.Text, Timestamp: p.Timestamp})
	case protocol.EventTyping:
		var p protocol.TypingPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			log.Printf("client: bad typing payload: %v", err)
			return
		}
		v.setTyping(p.Author, p.IsTyping)
	case protocol.EventSystem, protocol.EventError:
		var p protocol.TextPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			log.Printf("client: bad %s payload: %v", eventType, err)
			return
		}
		v.addMessage(ChatMessage{Text: p.Text, Timestamp: v.now().UnixMilli(), System: true})
	}
}

// AddLocal appends an optimistic message before the server echo arrives.
// The echo is then dropped by deduplication.
func (v *ChatView) AddLocal(author, text string) {
	v.addMessage(ChatMessage{Author: author, Text: text, Timestamp: v.now().UnixMilli()})
}

// addMessage appends unless an existing message has the same author and
// text within DedupWindow, which marks it as the echo of an optimistic
// insert (or a redelivered frame).
func (v *ChatView) addMessage(msg ChatMessage) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !msg.System {
		for i := len(v.messages) - 1; i >= 0; i-- {
			prev := v.messages[i]
			if prev.System || prev.Author != msg.Author || prev.Text != msg.Text {
				continue
			}
			diff := msg.Timestamp - prev.Timestamp
			if diff < 0 {
				diff = -diff
			}
			if time.Duration(diff)*time.Millisecond <= DedupWindow {
				return
			}
		}
	}
	v.messages = append(v.messages, msg)
}

// setTyping adds or refreshes a roster entry with its own expiry timer,
// or removes it when the participant stops typing. Each entry's timer is
// independent, so one participant's expiry never clears another's.
func (v *ChatView) setTyping(author string, isTyping bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}

	if t, ok := v.typing[author]; ok {
		t.Stop()
		delete(v.typing, author)
	}
	if !isTyping {
		return
	}

	v.typing[author] = time.AfterFunc(v.typingTTL, func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		delete(v.typing, author)
	})
}

// Messages returns a copy of the transcript in arrival order.
func (v *ChatView) Messages() []ChatMessage {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]ChatMessage, len(v.messages))
	copy(out, v.messages)
	return out
}

// Typing returns the participants currently typing, sorted for stable
// rendering.
func (v *ChatView) Typing() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.typing))
	for author := range v.typing {
		out = append(out, author)
	}
	sort.Strings(out)
	return out
}

// Close stops all pending expiry timers. The view is unusable for typing
// updates afterwards.
func (v *ChatView) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	for author, t := range v.typing {
		t.Stop()
		delete(v.typing, author)
	}
}
