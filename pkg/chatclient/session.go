package chatclient

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"roomchat/internal/domain/entity"
	"roomchat/internal/infrastructure/realtime"
	"roomchat/pkg/logger"
)

type State string

const (
	StateIdle           State = "idle"
	StateLoadingHistory State = "loading_history"
	StateLive           State = "live"
	StateSending        State = "sending"
	StateReceiving      State = "receiving"
	StateClosed         State = "closed"
)

var (
	ErrEmptyContent  = stderrors.New("message content is empty")
	ErrNotLive       = stderrors.New("chat session is not live")
	ErrAlreadyOpened = stderrors.New("chat session already opened")
)

// Transport is what a Session needs from the network. *Client implements it.
type Transport interface {
	History(ctx context.Context, propertyID, a, b int64) ([]entity.Message, error)
	Send(ctx context.Context, req SendRequest) (*entity.Message, error)
	Subscribe(ctx context.Context, channel string, handler EventHandler) (func(), error)
}

// Session is the client-side view of one conversation. Messages render in
// the order they were appended locally.
type Session struct {
	transport      Transport
	selfID         int64
	counterpartyID int64
	propertyID     int64
	conversationID string

	mu          sync.Mutex
	state       State
	sending     int
	receiving   int
	messages    []entity.Message
	loadErr     error
	lastErr     error
	nextTempID  int64
	unsubscribe func()
	onChange    func([]entity.Message)
	inflight    sync.WaitGroup

	newToken func() string
	now      func() time.Time
}

func NewSession(transport Transport, selfID, counterpartyID, propertyID int64) *Session {
	return &Session{
		transport:      transport,
		selfID:         selfID,
		counterpartyID: counterpartyID,
		propertyID:     propertyID,
		conversationID: entity.ConversationID(propertyID, selfID, counterpartyID),
		state:          StateIdle,
		newToken:       uuid.NewString,
		now:            time.Now,
	}
}

func (s *Session) ConversationID() string {
	return s.conversationID
}

// OnChange registers fn to receive a snapshot after every change to the
// message list. fn runs outside the session lock.
func (s *Session) OnChange(fn func([]entity.Message)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Open subscribes to the conversation and loads its history. Events that
// arrive while history is loading are merged behind it. A failed history
// load leaves the session live with no backlog; see LoadError.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyOpened
	}
	s.state = StateLoadingHistory
	s.mu.Unlock()

	unsubscribe, subErr := s.transport.Subscribe(ctx, realtime.ConversationChannel(s.conversationID), s.handleEvent)
	if subErr != nil {
		logger.Warn("Chat session %s: realtime subscription failed: %v", s.conversationID, subErr)
	}

	history, err := s.transport.History(ctx, s.propertyID, s.selfID, s.counterpartyID)

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		if unsubscribe != nil {
			unsubscribe()
		}
		return ErrNotLive
	}

	s.unsubscribe = unsubscribe
	if err != nil {
		s.loadErr = err
		logger.Warn("Chat session %s: history unavailable: %v", s.conversationID, err)
	} else {
		merged := make([]entity.Message, 0, len(history)+len(s.messages))
		seen := make(map[int64]struct{}, len(history))
		for _, msg := range history {
			seen[msg.ID] = struct{}{}
			merged = append(merged, msg)
		}
		for _, msg := range s.messages {
			if _, ok := seen[msg.ID]; !ok {
				merged = append(merged, msg)
			}
		}
		s.messages = merged
	}
	if subErr != nil {
		s.lastErr = subErr
	}
	s.state = StateLive
	notify := s.snapshotLocked()
	s.mu.Unlock()

	notify()
	return subErr
}

func (s *Session) handleEvent(event string, data json.RawMessage) {
	if event != realtime.EventNewMessage {
		return
	}

	s.mu.Lock()
	s.receiving++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.receiving--
		s.mu.Unlock()
	}()

	var msg entity.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Warn("Chat session %s: undecodable %s payload: %v", s.conversationID, event, err)
		return
	}
	s.receive(msg)
}

// receive applies an authoritative message pushed by the server.
func (s *Session) receive(msg entity.Message) {
	if msg.ConversationID() != s.conversationID {
		return
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}

	if s.indexOfID(msg.ID) >= 0 {
		s.mu.Unlock()
		return
	}

	if i := s.indexOfProvisional(msg.ClientToken); i >= 0 {
		s.messages[i] = msg
	} else {
		s.messages = append(s.messages, msg)
	}
	notify := s.snapshotLocked()
	s.mu.Unlock()

	notify()
}

// Send appends a provisional message and persists it in the background. It
// returns the provisional message's temporary id, which is always negative.
// On failure the provisional message is removed and LastError reports why.
func (s *Session) Send(ctx context.Context, content string) (int64, error) {
	if strings.TrimSpace(content) == "" {
		return 0, ErrEmptyContent
	}

	s.mu.Lock()
	if s.state != StateLive {
		s.mu.Unlock()
		return 0, ErrNotLive
	}

	s.nextTempID--
	provisional := entity.Message{
		ID:          s.nextTempID,
		SenderID:    s.selfID,
		RecipientID: s.counterpartyID,
		PropertyID:  s.propertyID,
		Content:     content,
		ClientToken: s.newToken(),
		CreatedAt:   s.now().UTC(),
	}
	s.messages = append(s.messages, provisional)
	s.sending++
	s.inflight.Add(1)
	notify := s.snapshotLocked()
	s.mu.Unlock()

	notify()

	go s.persist(ctx, provisional)

	return provisional.ID, nil
}

func (s *Session) persist(ctx context.Context, provisional entity.Message) {
	defer s.inflight.Done()

	stored, err := s.transport.Send(ctx, SendRequest{
		RecipientID: provisional.RecipientID,
		PropertyID:  provisional.PropertyID,
		Content:     provisional.Content,
		ClientToken: provisional.ClientToken,
	})

	s.mu.Lock()
	s.sending--
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}

	if err != nil {
		s.lastErr = err
		if i := s.indexOfID(provisional.ID); i >= 0 {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
		}
		logger.Warn("Chat session %s: send failed: %v", s.conversationID, err)
	} else {
		s.reconcileLocked(provisional, *stored)
	}
	notify := s.snapshotLocked()
	s.mu.Unlock()

	notify()
}

// reconcileLocked swaps the provisional entry for the stored message unless
// the realtime echo already did.
func (s *Session) reconcileLocked(provisional, stored entity.Message) {
	i := s.indexOfID(provisional.ID)
	if i < 0 {
		return
	}
	if s.indexOfID(stored.ID) >= 0 {
		s.messages = append(s.messages[:i], s.messages[i+1:]...)
		return
	}
	s.messages[i] = stored
}

// Close leaves the conversation channel. Sends still in flight complete on
// the server but their results are discarded.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Wait blocks until every in-flight send has finished.
func (s *Session) Wait() {
	s.inflight.Wait()
}

// State reports the lifecycle state, or a transient activity while the
// session is live.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateLive {
		switch {
		case s.sending > 0:
			return StateSending
		case s.receiving > 0:
			return StateReceiving
		}
	}
	return s.state
}

func (s *Session) Messages() []entity.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entity.Message(nil), s.messages...)
}

// LoadError is the history load failure, if any.
func (s *Session) LoadError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadErr
}

// LastError is the most recent send or subscription failure.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) indexOfID(id int64) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Session) indexOfProvisional(token string) int {
	if token == "" {
		return -1
	}
	for i := range s.messages {
		if s.messages[i].ID < 0 && s.messages[i].ClientToken == token {
			return i
		}
	}
	return -1
}

func (s *Session) snapshotLocked() func() {
	fn := s.onChange
	if fn == nil {
		return func() {}
	}
	snapshot := append([]entity.Message(nil), s.messages...)
	return func() { fn(snapshot) }
}
