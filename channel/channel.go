// Package channel moves envelopes between agents over shared NDJSON files:
// a sender's Outbox appends one wire line per message to the receiver's
// inbox file, and the receiver's Inbox tails its own file with fsnotify,
// falling back to polling where file events are unreliable.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/c360studio/agentcomm/codec"
	"github.com/c360studio/agentcomm/protocol"
)

// DefaultPollInterval is the fallback scan interval when no file event
// arrives.
const DefaultPollInterval = 500 * time.Millisecond

// InboxPath returns the inbox file for an agent under dir.
func InboxPath(dir, agentID string) string {
	return filepath.Join(dir, agentID+"-inbox.ndjson")
}

// Outbox appends wire lines to receiver inbox files.
type Outbox struct {
	mu sync.Mutex

	dir    string
	codec  *codec.Codec
	logger *slog.Logger
}

// NewOutbox creates an outbox writing under dir.
func NewOutbox(dir string, c *codec.Codec, logger *slog.Logger) (*Outbox, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create channel dir: %w", err)
	}
	return &Outbox{
		dir:    dir,
		codec:  c,
		logger: logger.With(slog.String("component", "outbox")),
	}, nil
}

// BroadcastID is the wildcard receiver: the message fans out to every known
// inbox instead of one agent's.
const BroadcastID = "*"

// Send appends the envelope to the receiver's inbox. The file is opened per
// send: inboxes have one reader but may have many writing senders, and a
// kept-open handle would fight the receiver's compaction.
func (o *Outbox) Send(env *protocol.Envelope) error {
	line, err := o.codec.EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("encode for send: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if env.Receiver.AgentID == BroadcastID {
		return o.broadcastLocked(env, line)
	}

	if err := o.appendLocked(InboxPath(o.dir, env.Receiver.AgentID), line); err != nil {
		return err
	}
	o.logger.Debug("message sent",
		slog.String("message_id", env.MessageID),
		slog.String("receiver", env.Receiver.AgentID))
	return nil
}

// broadcastLocked fans the line out to every existing inbox except the
// sender's own. Receivers that could not be reached are reported together.
func (o *Outbox) broadcastLocked(env *protocol.Envelope, line []byte) error {
	matches, err := filepath.Glob(filepath.Join(o.dir, "*-inbox.ndjson"))
	if err != nil {
		return fmt.Errorf("scan inboxes: %w", err)
	}

	var failed []string
	delivered := 0
	for _, path := range matches {
		id := strings.TrimSuffix(filepath.Base(path), "-inbox.ndjson")
		if id == env.Sender.AgentID || id == BroadcastID {
			continue
		}
		if err := o.appendLocked(path, line); err != nil {
			o.logger.Warn("broadcast append failed",
				slog.String("message_id", env.MessageID),
				slog.String("receiver", id),
				slog.String("error", err.Error()))
			failed = append(failed, id)
			continue
		}
		delivered++
	}

	if len(failed) > 0 {
		return protocol.NewError(protocol.CodeBroadcastPartial,
			fmt.Sprintf("broadcast reached %d receivers, failed for %s",
				delivered, strings.Join(failed, ", ")))
	}
	o.logger.Debug("message broadcast",
		slog.String("message_id", env.MessageID),
		slog.Int("receivers", delivered))
	return nil
}

func (o *Outbox) appendLocked(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open inbox %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append to inbox %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync inbox %s: %w", path, err)
	}
	return nil
}

// Inbox tails one agent's inbox file and hands complete lines to callbacks.
type Inbox struct {
	agentID string
	dir     string
	codec   *codec.Codec
	logger  *slog.Logger

	poll time.Duration

	// onMessage receives each decoded envelope.
	onMessage func(*protocol.Envelope)
	// onError receives lines that failed to decode.
	onError func(rawLine []byte, err error)

	mu     sync.Mutex
	offset int64
	cancel context.CancelFunc
	done   chan struct{}
}

// InboxOptions configures an Inbox.
type InboxOptions struct {
	// PollInterval is the fallback scan interval; zero uses the default.
	PollInterval time.Duration
}

// NewInbox creates an inbox for the agent. Messages and decode failures are
// delivered sequentially on a single goroutine once Start is called.
func NewInbox(agentID, dir string, c *codec.Codec, onMessage func(*protocol.Envelope), onError func([]byte, error), opts InboxOptions, logger *slog.Logger) (*Inbox, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create channel dir: %w", err)
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Inbox{
		agentID:   agentID,
		dir:       dir,
		codec:     c,
		logger:    logger.With(slog.String("component", "inbox"), slog.String("agent", agentID)),
		poll:      poll,
		onMessage: onMessage,
		onError:   onError,
	}, nil
}

// Path returns the inbox file being tailed.
func (in *Inbox) Path() string {
	return InboxPath(in.dir, in.agentID)
}

// Start begins tailing. Lines already present in the file are delivered
// first.
func (in *Inbox) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: the inbox file may not exist yet, and renames
	// would detach a file-level watch.
	if err := watcher.Add(in.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", in.dir, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	in.mu.Lock()
	in.cancel = cancel
	in.done = make(chan struct{})
	in.mu.Unlock()

	go in.run(ctx, watcher)
	in.logger.Info("inbox started", slog.String("path", in.Path()))
	return nil
}

// Stop halts tailing and waits for the delivery goroutine to exit.
func (in *Inbox) Stop() {
	in.mu.Lock()
	cancel, done := in.cancel, in.done
	in.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (in *Inbox) run(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(in.done)
	defer watcher.Close()

	ticker := time.NewTicker(in.poll)
	defer ticker.Stop()

	in.drain()
	target := in.Path()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Name == target && ev.Op.Has(fsnotify.Write|fsnotify.Create) {
				in.drain()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			in.logger.Warn("watcher error", slog.String("error", err.Error()))
		case <-ticker.C:
			in.drain()
		}
	}
}

// drain reads complete lines past the current offset and delivers them. A
// trailing partial line stays in the file until its newline arrives.
func (in *Inbox) drain() {
	in.mu.Lock()
	defer in.mu.Unlock()

	f, err := os.Open(in.Path())
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		in.logger.Warn("open inbox", slog.String("error", err.Error()))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		in.logger.Warn("stat inbox", slog.String("error", err.Error()))
		return
	}
	if info.Size() < in.offset {
		// Truncated (e.g. operator cleanup): start over.
		in.logger.Warn("inbox truncated, resetting offset")
		in.offset = 0
	}
	if info.Size() == in.offset {
		return
	}

	if _, err := f.Seek(in.offset, io.SeekStart); err != nil {
		in.logger.Warn("seek inbox", slog.String("error", err.Error()))
		return
	}
	buf := make([]byte, info.Size()-in.offset)
	if _, err := io.ReadFull(f, buf); err != nil {
		in.logger.Warn("read inbox", slog.String("error", err.Error()))
		return
	}

	consumed := 0
	start := 0
	for i, b := range buf {
		if b != '\n' {
			continue
		}
		line := buf[start:i]
		consumed = i + 1
		start = i + 1
		if len(line) == 0 {
			continue
		}
		in.deliver(line)
	}
	in.offset += int64(consumed)
}

func (in *Inbox) deliver(line []byte) {
	env, err := in.codec.DecodeEnvelope(line)
	if err != nil {
		if in.onError != nil {
			in.onError(line, err)
		}
		return
	}
	if in.onMessage != nil {
		in.onMessage(env)
	}
}
