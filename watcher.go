package sshhoneypot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// TailWatcher follows the transcript directory and republishes new lines
// as push events. Files present when Run starts are followed from their
// end; files created afterwards are read from the start.
//
// The offset map is only touched from Run's goroutine.
type TailWatcher struct {
	dir     string
	publish func(PushEvent)
	log     LoggerInterface
	offsets map[string]int64
	ready   chan struct{}
}

func NewTailWatcher(dir string, publish func(PushEvent), log LoggerInterface) *TailWatcher {
	return &TailWatcher{
		dir:     dir,
		publish: publish,
		log:     log,
		offsets: map[string]int64{},
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the directory watch is installed.
func (tail *TailWatcher) Ready() <-chan struct{} {
	return tail.ready
}

func (tail *TailWatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(tail.dir, 0o755); err != nil {
		return fmt.Errorf("create transcript dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	existing, err := tail.snapshot()
	if err != nil {
		return err
	}
	if err := watcher.Add(tail.dir); err != nil {
		return fmt.Errorf("watch %v: %w", tail.dir, err)
	}
	if err := tail.prime(existing); err != nil {
		return err
	}
	close(tail.ready)
	tail.log.Printf("Watching transcripts in %v (%v existing files)", tail.dir, len(tail.offsets))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			tail.handle(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			tail.log.Printf("transcript watcher error: %v", err)
		}
	}
}

// snapshot lists the regular files in the directory with their sizes.
func (tail *TailWatcher) snapshot() (map[string]int64, error) {
	entries, err := os.ReadDir(tail.dir)
	if err != nil {
		return nil, fmt.Errorf("list %v: %w", tail.dir, err)
	}
	sizes := make(map[string]int64, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		sizes[filepath.Join(tail.dir, entry.Name())] = info.Size()
	}
	return sizes, nil
}

// prime records end-of-file offsets for the files in existing so history
// is not replayed. Files that appeared after existing was taken, and
// possibly before the watch was installed, are followed from the start.
func (tail *TailWatcher) prime(existing map[string]int64) error {
	for path, size := range existing {
		tail.offsets[path] = size
	}
	current, err := tail.snapshot()
	if err != nil {
		return err
	}
	for path := range current {
		if _, known := existing[path]; !known {
			tail.discover(path)
			tail.readNew(path)
		}
	}
	return nil
}

// discover starts following a file from its first byte.
func (tail *TailWatcher) discover(path string) {
	if _, known := tail.offsets[path]; known {
		return
	}
	tail.offsets[path] = 0
	if ip := ipFromTranscriptName(path); ip != "" {
		tail.publish(newSessionEvent(ip))
	}
}

func (tail *TailWatcher) handle(event fsnotify.Event) {
	path := event.Name
	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			return
		}
		tail.discover(path)
		tail.readNew(path)
	case event.Has(fsnotify.Write):
		if _, known := tail.offsets[path]; !known {
			tail.offsets[path] = 0
		}
		tail.readNew(path)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		delete(tail.offsets, path)
	}
}

// readNew consumes every complete line appended since the recorded offset.
// A trailing partial line stays unread until its newline arrives.
func (tail *TailWatcher) readNew(path string) {
	file, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			tail.log.Printf("error opening transcript %v: %v", path, err)
		}
		return
	}
	defer file.Close()

	offset := tail.offsets[path]
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		tail.log.Printf("error seeking transcript %v: %v", path, err)
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		tail.log.Printf("error reading transcript %v: %v", path, err)
		return
	}
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return
	}
	tail.offsets[path] = offset + int64(end+1)

	fallback_ip := ipFromTranscriptName(path)
	for _, raw := range bytes.Split(data[:end], []byte("\n")) {
		line := ParseTranscriptLine(string(raw), fallback_ip)
		switch line.Kind {
		case LineCommand, LineDisconnect:
			tail.publish(newLiveEvent(line.LiveText(), line.IP))
		}
	}
}
