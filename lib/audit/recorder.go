// Copyright 2026 The SafeExec Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/safeexec-project/safeexec/lib/clock"
	"github.com/safeexec-project/safeexec/lib/codec"
)

// Execution is one evaluated snippet and its outcome.
type Execution struct {
	// SessionID names the session, or "stateless" for one-shot runs.
	SessionID string

	// Code is the snippet exactly as submitted.
	Code string

	// Success reports whether the evaluation succeeded.
	Success bool

	// Output is the captured stdout and stderr text.
	Output string

	// Error is the failure description, empty on success.
	Error string
}

// Options configures a Recorder.
type Options struct {
	// Directory receives the payload files and the index.
	Directory string

	// Compress zstd-compresses payload files.
	Compress bool

	// Recipient is an age X25519 public key. When non-empty, payload
	// files are encrypted to it.
	Recipient string

	// Logger receives write failures. Nil falls back to slog.Default.
	Logger *slog.Logger

	// Clock supplies record timestamps. Nil means the real clock.
	Clock clock.Clock
}

// resultDocument is the JSON body of a .result file.
type resultDocument struct {
	Success    bool   `json:"success"`
	Output     string `json:"output"`
	Error      string `json:"error,omitempty"`
	CodeBlake3 string `json:"code_blake3"`
}

// indexEntry is one deterministic CBOR record in index.cbor.
type indexEntry struct {
	Timestamp string `cbor:"timestamp"`
	Seq       uint64 `cbor:"seq"`
	Session   string `cbor:"session"`
	Digest    string `cbor:"digest"`
	Success   bool   `cbor:"success"`
}

// Recorder writes audit records from a single background goroutine.
type Recorder struct {
	directory string
	compress  bool
	recipient *age.X25519Recipient
	logger    *slog.Logger
	clock     clock.Clock

	queue chan Execution
	done  chan struct{}

	index        *os.File
	indexEncoder *codec.Encoder
}

const timestampLayout = "20060102T150405.000"

// New creates the record directory if needed, opens the index for
// appending, and starts the writer goroutine.
func New(options Options) (*Recorder, error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recordClock := options.Clock
	if recordClock == nil {
		recordClock = clock.Real()
	}

	var recipient *age.X25519Recipient
	if options.Recipient != "" {
		parsed, err := age.ParseX25519Recipient(options.Recipient)
		if err != nil {
			return nil, fmt.Errorf("audit: parsing record recipient: %w", err)
		}
		recipient = parsed
	}

	if err := os.MkdirAll(options.Directory, 0o700); err != nil {
		return nil, fmt.Errorf("audit: creating record directory: %w", err)
	}

	index, err := os.OpenFile(
		filepath.Join(options.Directory, "index.cbor"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: opening index: %w", err)
	}

	recorder := &Recorder{
		directory:    options.Directory,
		compress:     options.Compress,
		recipient:    recipient,
		logger:       logger,
		clock:        recordClock,
		queue:        make(chan Execution, 64),
		done:         make(chan struct{}),
		index:        index,
		indexEncoder: codec.NewEncoder(index),
	}
	go recorder.run()
	return recorder, nil
}

// Record enqueues an execution. It blocks only when the writer has
// fallen 64 records behind.
func (r *Recorder) Record(execution Execution) {
	r.queue <- execution
}

// Close drains the queue, stops the writer, and closes the index.
// The recorder must not be used afterwards.
func (r *Recorder) Close() {
	close(r.queue)
	<-r.done
	if err := r.index.Close(); err != nil {
		r.logger.Error("audit index close failed", "error", err)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	var seq uint64
	for execution := range r.queue {
		seq++
		if err := r.write(seq, execution); err != nil {
			r.logger.Error("audit record write failed",
				"seq", seq,
				"session", execution.SessionID,
				"error", err)
		}
	}
}

func (r *Recorder) write(seq uint64, execution Execution) error {
	timestamp := r.clock.Now().UTC().Format(timestampLayout)
	base := fmt.Sprintf("%s_%06d_%s", timestamp, seq, execution.SessionID)

	digest := blake3.Sum256([]byte(execution.Code))
	digestHex := hex.EncodeToString(digest[:])

	if err := r.writePayload(base+".code", []byte(execution.Code)); err != nil {
		return err
	}

	resultBody, err := json.MarshalIndent(resultDocument{
		Success:    execution.Success,
		Output:     execution.Output,
		Error:      execution.Error,
		CodeBlake3: digestHex,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	if err := r.writePayload(base+".result", resultBody); err != nil {
		return err
	}

	if err := r.indexEncoder.Encode(indexEntry{
		Timestamp: timestamp,
		Seq:       seq,
		Session:   execution.SessionID,
		Digest:    digestHex,
		Success:   execution.Success,
	}); err != nil {
		return fmt.Errorf("appending index entry: %w", err)
	}
	return nil
}

// writePayload writes contents to name inside the record directory,
// applying the configured compression and encryption. Suffixes track
// the wrapping: name.zst, name.age, or name.zst.age for both.
func (r *Recorder) writePayload(name string, contents []byte) error {
	if r.compress {
		name += ".zst"
	}
	if r.recipient != nil {
		name += ".age"
	}

	file, err := os.OpenFile(
		filepath.Join(r.directory, name),
		os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("creating payload file: %w", err)
	}
	defer file.Close()

	var sink io.Writer = file
	var closers []func() error

	if r.recipient != nil {
		encrypted, err := age.Encrypt(sink, r.recipient)
		if err != nil {
			return fmt.Errorf("starting encryption: %w", err)
		}
		closers = append(closers, encrypted.Close)
		sink = encrypted
	}
	if r.compress {
		compressed, err := zstd.NewWriter(sink)
		if err != nil {
			return fmt.Errorf("starting compression: %w", err)
		}
		closers = append(closers, compressed.Close)
		sink = compressed
	}

	if _, err := sink.Write(contents); err != nil {
		return fmt.Errorf("writing payload: %w", err)
	}
	// Innermost wrapper first so each layer can flush into the next.
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			return fmt.Errorf("finalizing payload: %w", err)
		}
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("closing payload file: %w", err)
	}
	return nil
}
