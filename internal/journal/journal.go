// Package journal keeps a tamper-evident, per-target record of every
// completed build and optionally forwards it to a webhook.
package journal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-hotpatch/internal/config"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/logging"
)

// Journal appends build events.
type Journal interface {
	Append(ctx context.Context, b Build) (*Event, error)
	Close() error
}

// New creates the journal described by cfg. A disabled journal discards
// events.
func New(cfg config.JournalConfig, producer ProducerInfo) (Journal, error) {
	if !cfg.Enabled {
		return noopJournal{}, nil
	}
	return NewFileJournal(cfg.Dir, cfg.Endpoint, producer)
}

// FileJournal writes one JSON line per event to journal_<target>.jsonl and,
// when an endpoint is set, POSTs each event there as well. The file is the
// source of truth: each target's chain head is the hash on its last line, so
// the head advances once the line is written even if the POST fails.
type FileJournal struct {
	dir      string
	endpoint string
	producer ProducerInfo
	client   *http.Client
	log      *slog.Logger

	retries int
	delay   time.Duration

	mu    sync.Mutex
	heads map[string]string // target -> hash of the last line written
}

// NewFileJournal creates a journal rooted at dir.
func NewFileJournal(dir, endpoint string, producer ProducerInfo) (*FileJournal, error) {
	if dir == "" {
		dir = "./journal"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	j := &FileJournal{
		dir:      dir,
		endpoint: endpoint,
		producer: producer,
		heads:    make(map[string]string),
		client:   &http.Client{Timeout: 30 * time.Second},
		log:      logging.Component("journal"),
		retries:  3,
		delay:    time.Second,
	}
	if endpoint != "" {
		j.log.Info("journal webhook enabled", "endpoint", endpoint)
	}
	return j, nil
}

// Path returns the journal file of a target.
func (j *FileJournal) Path(target string) string {
	return filepath.Join(j.dir, "journal_"+target+".jsonl")
}

// Append chains, writes and optionally posts one event.
func (j *FileJournal) Append(ctx context.Context, b Build) (*Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	prevHash, err := j.head(b.Target)
	if err != nil {
		return nil, fmt.Errorf("read chain head: %w", err)
	}

	evt := newEvent(b, j.producer)
	evt.Chain.PrevEventHash = prevHash
	evt.Chain.EventHash = ComputeEventHash(evt)

	if err := j.write(evt); err != nil {
		// The line may be partly on disk; read the head back next time.
		delete(j.heads, b.Target)
		return nil, err
	}
	j.heads[b.Target] = evt.Chain.EventHash
	j.log.Debug("journal event written", "target", b.Target, "build_id", b.ID, "event_hash", evt.Chain.EventHash)

	if j.endpoint != "" {
		if err := j.postWithRetry(ctx, evt); err != nil {
			return evt, fmt.Errorf("journal webhook: %w", err)
		}
	}
	return evt, nil
}

// head returns the hash of target's last event, "" for a new journal.
// Callers hold j.mu.
func (j *FileJournal) head(target string) (string, error) {
	if h, ok := j.heads[target]; ok {
		return h, nil
	}
	h, err := lastEventHash(j.Path(target))
	if errors.Is(err, ErrNoChainHead) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	j.heads[target] = h
	return h, nil
}

func (j *FileJournal) write(evt *Event) error {
	line, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	f, err := os.OpenFile(j.Path(evt.Target), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("write journal: %w", err)
	}
	return f.Close()
}

func (j *FileJournal) postWithRetry(ctx context.Context, evt *Event) error {
	var lastErr error
	delay := j.delay

	for attempt := 1; attempt <= j.retries; attempt++ {
		err := j.post(ctx, evt)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < j.retries {
			j.log.Warn("journal post failed, retrying", "attempt", attempt, "retries", j.retries, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", j.retries, lastErr)
}

func (j *FileJournal) post(ctx context.Context, evt *Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := j.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
}

// Close releases resources.
func (j *FileJournal) Close() error {
	return nil
}

// Read loads every event of a target's journal file in order.
func Read(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var evt Event
		if err := json.Unmarshal(sc.Bytes(), &evt); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", len(events)+1, err)
		}
		events = append(events, evt)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return events, nil
}

type noopJournal struct{}

func (noopJournal) Append(context.Context, Build) (*Event, error) { return nil, nil }

func (noopJournal) Close() error { return nil }
