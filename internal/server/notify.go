package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"storyflow/internal/config"
	"storyflow/internal/domain"
	"storyflow/internal/engine"
)

const (
	defaultNotifyInterval = 2 * time.Second
	defaultNotifyTimeout  = 5 * time.Second
	defaultNotifyBatch    = 100
)

// notifierDispatcher tails the timeline and posts events to configured
// endpoints. Delivery is best effort: a dead endpoint stalls its own cursor
// and nothing else.
type notifierDispatcher struct {
	engine    engine.Engine
	notifiers []config.NotifierConfig
	client    *http.Client
	mu        sync.Mutex
	cursors   map[int]int64
}

func startNotifierDispatcher(e engine.Engine) {
	if e.Config == nil || len(e.Config.Notifiers) == 0 {
		return
	}
	d := &notifierDispatcher{
		engine:    e,
		notifiers: e.Config.Notifiers,
		client:    &http.Client{Timeout: defaultNotifyTimeout},
		cursors:   make(map[int]int64),
	}
	go d.run()
}

func (d *notifierDispatcher) run() {
	ticker := time.NewTicker(defaultNotifyInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *notifierDispatcher) dispatchAll() {
	for i, n := range d.notifiers {
		if n.Enabled != nil && !*n.Enabled {
			continue
		}
		if strings.TrimSpace(n.URL) == "" {
			continue
		}
		d.dispatchNotifier(i, n)
	}
}

func (d *notifierDispatcher) dispatchNotifier(idx int, n config.NotifierConfig) {
	ctx := context.Background()
	cursor := d.cursorFor(idx)
	events, err := d.engine.Timeline.After(ctx, cursor, defaultNotifyBatch)
	if err != nil {
		log.Printf("notifier: fetch events failed: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}
	filter := newEventFilter(n.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, n, evt); err != nil {
			log.Printf("notifier: deliver to %s failed: %v", n.URL, err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

// cursorFor starts new notifiers at the current timeline head so a freshly
// configured endpoint does not replay the full history.
func (d *notifierDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Timeline.LatestID(context.Background())
	if err != nil {
		log.Printf("notifier: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *notifierDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type notifyEvent struct {
	ID          int64  `json:"id"`
	EventType   string `json:"event_type"`
	ItemID      int64  `json:"content_item_id"`
	Description string `json:"description"`
	ActorID     string `json:"actor_id"`
	ActorRole   string `json:"actor_role,omitempty"`
	OldValue    string `json:"old_value,omitempty"`
	NewValue    string `json:"new_value,omitempty"`
	OccurredAt  string `json:"occurred_at"`
}

func (d *notifierDispatcher) postEvent(ctx context.Context, n config.NotifierConfig, evt domain.TimelineEvent) error {
	body := notifyEvent{
		ID:          evt.ID,
		EventType:   evt.Type,
		ItemID:      evt.IdeaID,
		Description: evt.Description,
		ActorID:     evt.ActorID,
		ActorRole:   evt.ActorRole,
		OldValue:    evt.OldValue,
		NewValue:    evt.NewValue,
		OccurredAt:  evt.OccurredAt,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultNotifyTimeout
	if n.TimeoutSeconds > 0 {
		timeout = time.Duration(n.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Storyflow-Event", evt.Type)
	req.Header.Set("X-Storyflow-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(n.Secret) != "" {
		req.Header.Set("X-Storyflow-Secret", n.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
