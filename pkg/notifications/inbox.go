// Package notifications keeps the unread notification inbox for the active card.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultPageSize = 20
	defaultMaxPages = 5
)

var (
	ErrInvalidConfig         = errors.New("invalid inbox config")
	ErrNoCard                = errors.New("no card selected")
	ErrNotificationNotFound  = errors.New("notification not found")
	ErrInvalidNotificationID = errors.New("invalid notification id")
)

// Notification is one message delivered to a card.
type Notification struct {
	ID        string
	Title     string
	Body      string
	Read      bool
	CreatedAt time.Time
}

// Source lists and acknowledges notifications. Pages are zero based; a page
// shorter than pageSize is the last one.
type Source interface {
	ListNotifications(ctx context.Context, card string, page int, pageSize int) ([]Notification, error)
	MarkRead(ctx context.Context, notificationID string) error
}

// Option configures an Inbox.
type Option func(*Inbox)

// WithPageSize sets the page size used by Refresh.
func WithPageSize(size int) Option {
	return func(inbox *Inbox) {
		inbox.pageSize = size
	}
}

// WithMaxPages caps how many pages one Refresh reads.
func WithMaxPages(pages int) Option {
	return func(inbox *Inbox) {
		inbox.maxPages = pages
	}
}

// WithLogger sets the zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(inbox *Inbox) {
		if logger != nil {
			inbox.logger = logger
		}
	}
}

// WithClock sets the time source used to stamp LastSynced.
func WithClock(now func() time.Time) Option {
	return func(inbox *Inbox) {
		if now != nil {
			inbox.now = now
		}
	}
}

// WithUnreadListener is called with the new unread count whenever it changes.
func WithUnreadListener(listener func(unread int)) Option {
	return func(inbox *Inbox) {
		inbox.unreadListener = listener
	}
}

// Inbox caches the notifications of one card.
type Inbox struct {
	source         Source
	logger         *zap.Logger
	pageSize       int
	maxPages       int
	now            func() time.Time
	unreadListener func(int)

	mu     sync.RWMutex
	card   string
	items  []Notification
	unread int
	synced time.Time
}

// NewInbox constructs an Inbox without a card.
func NewInbox(source Source, options ...Option) (*Inbox, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: source is nil", ErrInvalidConfig)
	}
	inbox := &Inbox{
		source:   source,
		logger:   zap.NewNop(),
		pageSize: defaultPageSize,
		maxPages: defaultMaxPages,
		now:      time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(inbox)
		}
	}
	if inbox.pageSize <= 0 || inbox.maxPages <= 0 {
		return nil, fmt.Errorf("%w: page size and page cap must be positive", ErrInvalidConfig)
	}
	return inbox, nil
}

// SetCard selects the card and clears cached items when it differs.
func (inbox *Inbox) SetCard(card string) {
	card = strings.TrimSpace(card)
	inbox.mu.Lock()
	if inbox.card == card {
		inbox.mu.Unlock()
		return
	}
	inbox.card = card
	changed := inbox.clearLocked()
	inbox.mu.Unlock()
	inbox.notifyUnread(changed, 0)
}

// Card returns the selected card.
func (inbox *Inbox) Card() string {
	inbox.mu.RLock()
	defer inbox.mu.RUnlock()
	return inbox.card
}

// Refresh reloads the inbox. The cache is replaced only when every page read
// succeeds, so a failed refresh leaves the previous items visible.
func (inbox *Inbox) Refresh(ctx context.Context) (int, error) {
	card := inbox.Card()
	if card == "" {
		return 0, ErrNoCard
	}
	var collected []Notification
	for page := 0; page < inbox.maxPages; page++ {
		items, err := inbox.source.ListNotifications(ctx, card, page, inbox.pageSize)
		if err != nil {
			return 0, fmt.Errorf("list notifications page %d: %w", page, err)
		}
		collected = append(collected, items...)
		if len(items) < inbox.pageSize {
			break
		}
	}
	unread := countUnread(collected)

	inbox.mu.Lock()
	if inbox.card != card {
		// card switched mid-refresh
		inbox.mu.Unlock()
		return 0, ErrNoCard
	}
	changed := inbox.unread != unread
	inbox.items = collected
	inbox.unread = unread
	inbox.synced = inbox.now()
	inbox.mu.Unlock()

	inbox.logger.Debug("inbox refreshed", zap.Int("items", len(collected)), zap.Int("unread", unread))
	inbox.notifyUnread(changed, unread)
	return unread, nil
}

// MarkRead acknowledges a notification remotely, then locally.
func (inbox *Inbox) MarkRead(ctx context.Context, notificationID string) error {
	notificationID = strings.TrimSpace(notificationID)
	if notificationID == "" {
		return ErrInvalidNotificationID
	}
	if err := inbox.source.MarkRead(ctx, notificationID); err != nil {
		return fmt.Errorf("mark notification %s read: %w", notificationID, err)
	}
	inbox.mu.Lock()
	found := false
	changed := false
	for index := range inbox.items {
		if inbox.items[index].ID != notificationID {
			continue
		}
		found = true
		if !inbox.items[index].Read {
			inbox.items[index].Read = true
			inbox.unread--
			changed = true
		}
		break
	}
	unread := inbox.unread
	inbox.mu.Unlock()
	if !found {
		return fmt.Errorf("%w: %s", ErrNotificationNotFound, notificationID)
	}
	inbox.notifyUnread(changed, unread)
	return nil
}

// Unread returns the cached unread count.
func (inbox *Inbox) Unread() int {
	inbox.mu.RLock()
	defer inbox.mu.RUnlock()
	return inbox.unread
}

// Items returns a copy of the cached notifications.
func (inbox *Inbox) Items() []Notification {
	inbox.mu.RLock()
	defer inbox.mu.RUnlock()
	items := make([]Notification, len(inbox.items))
	copy(items, inbox.items)
	return items
}

// LastSynced reports when Refresh last succeeded.
func (inbox *Inbox) LastSynced() time.Time {
	inbox.mu.RLock()
	defer inbox.mu.RUnlock()
	return inbox.synced
}

// Reset forgets the card and its items.
func (inbox *Inbox) Reset() {
	inbox.mu.Lock()
	inbox.card = ""
	changed := inbox.clearLocked()
	inbox.mu.Unlock()
	inbox.notifyUnread(changed, 0)
}

func (inbox *Inbox) clearLocked() bool {
	changed := inbox.unread != 0
	inbox.items = nil
	inbox.unread = 0
	inbox.synced = time.Time{}
	return changed
}

func (inbox *Inbox) notifyUnread(changed bool, unread int) {
	if changed && inbox.unreadListener != nil {
		inbox.unreadListener(unread)
	}
}

func countUnread(items []Notification) int {
	unread := 0
	for _, item := range items {
		if !item.Read {
			unread++
		}
	}
	return unread
}
