package store

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"

	imgerr "imagesearch/internal/errors"
)

// Lifecycle guards a driver's single initialization. Concurrent Init calls
// run fn at most once; a failed fn leaves the driver uninitialized so a
// later call can retry.
type Lifecycle struct {
	mu    sync.Mutex
	ready atomic.Bool
}

func (l *Lifecycle) Init(fn func() error) error {
	if l.ready.Load() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ready.Load() {
		return nil
	}

	if err := fn(); err != nil {
		return err
	}
	l.ready.Store(true)
	return nil
}

// Check returns StorageUninitialized unless Init has succeeded.
func (l *Lifecycle) Check(op string) error {
	if !l.ready.Load() {
		return imgerr.Uninitialized(op)
	}
	return nil
}

// Reset marks the driver closed.
func (l *Lifecycle) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ready.Store(false)
}

// Checksum is the hex sha256 of a payload.
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// ValidateEmbedding rejects vectors that would leave a record neither
// pending nor ready.
func ValidateEmbedding(id int64, embedding []float32) error {
	if len(embedding) == 0 {
		return imgerr.New(imgerr.CodeRequestInvalid, "embedding must not be empty", imgerr.FieldID(id))
	}
	return nil
}
