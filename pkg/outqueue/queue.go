// Package outqueue is the durable file-backed handoff between scripted
// plugins and the transport. Producers append JSON lines; a drain worker
// replays them against send callbacks. Delivery is at least once.
package outqueue

import (
	"bufio"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/lchbot/pkg/jsonx"
)

// FileName is the queue file under the data directory.
const FileName = "py_msg_queue.jsonl"

// DrainInterval is the worker's poll tick.
const DrainInterval = 50 * time.Millisecond

// Entry is one queued outbound message.
type Entry struct {
	Action   string // send_group_msg or send_private_msg
	TargetID int64
	Message  string
}

// SendFunc delivers one message to a target id.
type SendFunc func(targetID int64, message string)

// Queue owns the file. The mutex covers both producer appends and the drain
// cycle, so a drain never interleaves with a half-written line.
type Queue struct {
	mu   sync.Mutex
	path string

	sendGroup   SendFunc
	sendPrivate SendFunc

	stop chan struct{}
	done chan struct{}
}

// New builds a queue rooted in dataDir.
func New(dataDir string) (*Queue, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "outqueue: create data dir")
	}
	return &Queue{path: filepath.Join(dataDir, FileName)}, nil
}

// SetCallbacks wires the transport's senders. Must be called before Start.
func (q *Queue) SetCallbacks(sendGroup, sendPrivate SendFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sendGroup = sendGroup
	q.sendPrivate = sendPrivate
}

// Append atomically adds one entry to the file.
func (q *Queue) Append(e Entry) error {
	line, err := jsonx.Stringify(map[string]any{
		"action":    e.Action,
		"target_id": e.TargetID,
		"message":   e.Message,
	})
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "outqueue: open for append")
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return errors.Wrap(err, "outqueue: append")
	}
	return nil
}

// Start launches the drain worker.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.stop != nil {
		q.mu.Unlock()
		return
	}
	q.stop = make(chan struct{})
	q.done = make(chan struct{})
	q.mu.Unlock()

	go q.drainLoop()
	log.Info().Str("file", q.path).Msg("outqueue: drain worker started")
}

// Stop halts the drain worker.
func (q *Queue) Stop() {
	q.mu.Lock()
	stop := q.stop
	done := q.done
	q.stop = nil
	q.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (q *Queue) drainLoop() {
	q.mu.Lock()
	stop, done := q.stop, q.done
	q.mu.Unlock()
	defer close(done)

	ticker := time.NewTicker(DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := q.DrainOnce(); err != nil {
				log.Error().Err(err).Msg("outqueue: drain failed")
			}
		}
	}
}

// DrainOnce collects the file's lines under lock, truncates it, and replays
// each entry in file order. Lines that fail to parse or dispatch are
// re-appended for the next tick.
func (q *Queue) DrainOnce() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, err := os.Open(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "outqueue: open")
	}

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	scanErr := sc.Err()
	_ = f.Close()
	if scanErr != nil {
		return errors.Wrap(scanErr, "outqueue: scan")
	}
	if len(lines) == 0 {
		return nil
	}

	if err := os.Truncate(q.path, 0); err != nil {
		return errors.Wrap(err, "outqueue: truncate")
	}

	var failed []string
	for _, line := range lines {
		if !q.dispatchLocked(line) {
			failed = append(failed, line)
		}
	}

	if len(failed) > 0 {
		f, err := os.OpenFile(q.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return errors.Wrap(err, "outqueue: reopen for retry")
		}
		defer func() { _ = f.Close() }()
		for _, line := range failed {
			if _, err := f.WriteString(line + "\n"); err != nil {
				return errors.Wrap(err, "outqueue: retry append")
			}
		}
	}
	return nil
}

func (q *Queue) dispatchLocked(line string) bool {
	v, err := jsonx.Parse(line)
	if err != nil {
		log.Error().Err(err).Str("line", truncate(line, 100)).Msg("outqueue: bad line")
		return false
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return false
	}

	action := jsonx.Str(obj, "action", "")
	target := jsonx.I64(obj, "target_id", 0)
	// The script harness historically wrote group_id/user_id.
	if target == 0 {
		target = jsonx.I64(obj, "group_id", 0)
	}
	if target == 0 {
		target = jsonx.I64(obj, "user_id", 0)
	}
	message := jsonx.Str(obj, "message", "")
	if action == "" || target == 0 || message == "" {
		// Structurally hopeless entries are dropped, not retried.
		return true
	}

	switch action {
	case "send_group_msg":
		if q.sendGroup == nil {
			return false
		}
		q.sendGroup(target, message)
	case "send_private_msg":
		if q.sendPrivate == nil {
			return false
		}
		q.sendPrivate(target, message)
	default:
		return false
	}
	log.Debug().Str("action", action).Int64("target", target).Int("len", len(message)).Msg("outqueue: delivered")
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
