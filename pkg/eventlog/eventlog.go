// Package eventlog writes an append-only JSON lines file with size based
// rotation. Rotated segments are zstd compressed and can be archived to S3.
package eventlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Uploader stores a rotated segment. *s3.Client satisfies it.
type Uploader interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
}

type Options struct {
	Path     string
	MaxBytes int64
	// Uploader, Bucket and Prefix enable archiving of rotated segments.
	Uploader Uploader
	Bucket   string
	Prefix   string
	Logger   *log.Logger
	Now      func() time.Time
}

// Log is safe for concurrent use.
type Log struct {
	opts Options

	mu   sync.Mutex
	f    *os.File
	size int64
}

// Open opens or creates the log file at opts.Path for appending.
func Open(opts Options) (*Log, error) {
	if opts.Path == "" {
		return nil, errors.New("event log path is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Uploader != nil && opts.Bucket == "" {
		return nil, errors.New("event log archive bucket is required")
	}

	l := &Log{opts: opts}
	if err := l.openFile(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) openFile() error {
	if err := os.MkdirAll(filepath.Dir(l.opts.Path), 0o755); err != nil {
		return fmt.Errorf("create event log dir: %w", err)
	}
	f, err := os.OpenFile(l.opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat event log: %w", err)
	}
	l.f = f
	l.size = info.Size()
	return nil
}

// Append writes v as one JSON line, rotating first when the line would push
// the file past MaxBytes.
func (l *Log) Append(ctx context.Context, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return errors.New("event log is closed")
	}
	if l.opts.MaxBytes > 0 && l.size > 0 && l.size+int64(len(line)) > l.opts.MaxBytes {
		if err := l.rotateLocked(ctx); err != nil {
			return err
		}
	}

	n, err := l.f.Write(line)
	l.size += int64(n)
	if err != nil {
		return fmt.Errorf("write event log: %w", err)
	}
	return nil
}

// Rotate closes the current file, compresses it into a timestamped segment
// and starts a fresh file.
func (l *Log) Rotate(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return errors.New("event log is closed")
	}
	return l.rotateLocked(ctx)
}

func (l *Log) rotateLocked(ctx context.Context) error {
	if err := l.f.Close(); err != nil {
		return fmt.Errorf("close event log: %w", err)
	}
	l.f = nil

	stamp := l.opts.Now().UTC().Format("20060102T150405.000000000Z")
	rotated := l.opts.Path + "." + stamp
	if err := os.Rename(l.opts.Path, rotated); err != nil {
		return fmt.Errorf("rotate event log: %w", err)
	}
	if err := l.openFile(); err != nil {
		return err
	}

	segment, digest, size, err := compress(rotated)
	if err != nil {
		l.opts.Logger.Printf("ERROR event log: compress %s: %v", rotated, err)
		return nil
	}
	if err := os.Remove(rotated); err != nil {
		l.opts.Logger.Printf("WARN event log: remove %s: %v", rotated, err)
	}
	l.opts.Logger.Printf("INFO event log rotated to %s (%d bytes)", segment, size)

	if l.opts.Uploader != nil {
		if err := l.archive(ctx, segment, digest, size); err != nil {
			l.opts.Logger.Printf("ERROR event log: archive %s: %v", segment, err)
		}
	}
	return nil
}

func (l *Log) archive(ctx context.Context, segment, digest string, size int64) error {
	f, err := os.Open(segment)
	if err != nil {
		return err
	}
	defer f.Close()

	key := path.Join(l.opts.Prefix, filepath.Base(segment))
	if err := l.opts.Uploader.PutObject(ctx, l.opts.Bucket, key, f, size, digest); err != nil {
		return err
	}
	l.opts.Logger.Printf("INFO event log segment archived to s3://%s/%s", l.opts.Bucket, key)
	return nil
}

// compress writes src.zst and returns its path, hex sha256 and size.
func compress(src string) (string, string, int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", "", 0, err
	}
	defer in.Close()

	dst := src + ".zst"
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", "", 0, err
	}

	hasher := sha256.New()
	counter := &countingWriter{w: io.MultiWriter(out, hasher)}
	enc, err := zstd.NewWriter(counter)
	if err != nil {
		out.Close()
		return "", "", 0, err
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		out.Close()
		_ = os.Remove(dst)
		return "", "", 0, err
	}
	if err := enc.Close(); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return "", "", 0, err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return "", "", 0, err
	}
	return dst, hex.EncodeToString(hasher.Sum(nil)), counter.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Close closes the current file. Further appends fail.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
