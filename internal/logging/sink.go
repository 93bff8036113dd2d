package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Sink forwards events to a remote HTTP endpoint as JSON lines. The buffer is
// bounded: on overflow events are dropped and a counter incremented rather
// than blocking callers. On delivery failure local logging keeps working and
// a logging_sink_degraded warning is emitted at most once per minute.
type Sink struct {
	URL    string
	APIKey string
	Client *http.Client

	ch       chan sinkEvent
	dropped  atomic.Int64
	degraded atomic.Int64 // unix time of last degraded warning

	startOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
	zl        zerolog.Logger
}

type sinkEvent struct {
	Event  string            `json:"event"`
	Time   time.Time         `json:"time"`
	Scope  Scope             `json:"scope"`
	Fields map[string]string `json:"fields,omitempty"`
}

// NewSink builds a sink with a buffer of size buf (minimum 16).
func NewSink(url, apiKey string, buf int, zl zerolog.Logger) *Sink {
	if buf < 16 {
		buf = 16
	}
	return &Sink{
		URL:    url,
		APIKey: apiKey,
		Client: &http.Client{Timeout: 5 * time.Second},
		ch:     make(chan sinkEvent, buf),
		done:   make(chan struct{}),
		zl:     zl,
	}
}

// Start launches the delivery worker.
func (s *Sink) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop()
	})
}

// Close stops the worker after draining what is already buffered.
func (s *Sink) Close() {
	close(s.done)
	s.wg.Wait()
}

// Dropped reports how many events were discarded due to a full buffer.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// Enqueue buffers an event for delivery, dropping on overflow.
func (s *Sink) Enqueue(event string, scope Scope, fields map[string]string) {
	redacted := make(map[string]string, len(fields))
	for k, v := range fields {
		redacted[k] = sanitizeValue(k, v)
	}
	select {
	case s.ch <- sinkEvent{Event: event, Time: time.Now().UTC(), Scope: scope, Fields: redacted}:
	default:
		s.dropped.Add(1)
	}
}

func (s *Sink) loop() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.ch:
			s.deliver(ev)
		case <-s.done:
			for {
				select {
				case ev := <-s.ch:
					s.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) deliver(ev sinkEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		s.degrade(err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		s.degrade(err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		s.degrade(nil)
	}
}

func (s *Sink) degrade(err error) {
	now := time.Now().Unix()
	last := s.degraded.Load()
	if now-last < 60 {
		return
	}
	if s.degraded.CompareAndSwap(last, now) {
		s.zl.Warn().Err(err).Str("event", "logging_sink_degraded").
			Str("dependency", "log_sink").
			Str("remediation", "check GOSCRAPE_LOG_SINK_URL; local logging continues").
			Msg("logging_sink_degraded")
	}
}
