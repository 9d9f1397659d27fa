// Package progress reports upload progress to whoever is watching a host
// upload run. It is new relative to the original protocol (spec.md §4.10
// only says "progress is reported to the user by chunk index"); the two
// concrete Reporters follow this module's own idiom elsewhere:
// stdoutReporter mirrors the CLI's plain log.Printf status lines, and
// redisReporter adapts pkg/redis's WriteAndPublishString pipeline pattern so
// a fleet-management process can watch many uploads at once.
package progress

import (
	"fmt"
	"log"

	"github.com/librescoot/okboot/pkg/redis"
)

// Reporter is notified as a host upload advances. Implementations must not
// block the upload loop for long; redisReporter's publishes are fire-and-
// forget from the caller's point of view (errors are logged, not returned).
type Reporter interface {
	// ChunkSent reports that chunk no (0-indexed) of total has gone out.
	ChunkSent(no, total int)
	// Done reports that the device accepted the image and is booting.
	Done()
	// Error reports that the upload failed.
	Error(err error)
}

// stdoutReporter logs each event with the standard logger, matching this
// codebase's plain log.Printf status-line idiom.
type stdoutReporter struct {
	label string
}

// NewStdout creates a Reporter that logs to the standard logger. label
// identifies the upload in multi-line output (typically the serial device
// path).
func NewStdout(label string) Reporter {
	return &stdoutReporter{label: label}
}

func (r *stdoutReporter) ChunkSent(no, total int) {
	log.Printf("%s: chunk %d/%d", r.label, no+1, total)
}

func (r *stdoutReporter) Done() {
	log.Printf("%s: upload complete, device is booting", r.label)
}

func (r *stdoutReporter) Error(err error) {
	log.Printf("%s: upload failed: %v", r.label, err)
}

// redisReporter publishes the same events to Redis, keyed and channeled by
// label (the serial device path), so a supervisory process managing a
// fleet of devices can subscribe to progress centrally instead of scraping
// each upload's stdout.
type redisReporter struct {
	client *redis.Client
	label  string
}

// NewRedis creates a Reporter that publishes to addr in addition to
// logging locally. The Redis hash key and pub/sub channel are both named
// after label.
func NewRedis(addr, label string) (Reporter, error) {
	client, err := redis.New(addr, "", 0)
	if err != nil {
		return nil, fmt.Errorf("progress: connect redis: %w", err)
	}
	return &redisReporter{client: client, label: label}, nil
}

func (r *redisReporter) ChunkSent(no, total int) {
	log.Printf("%s: chunk %d/%d", r.label, no+1, total)
	value := fmt.Sprintf("%d/%d", no+1, total)
	if err := r.client.WriteAndPublishString(r.label, "chunk", value); err != nil {
		log.Printf("%s: failed to publish progress: %v", r.label, err)
	}
}

func (r *redisReporter) Done() {
	log.Printf("%s: upload complete, device is booting", r.label)
	if err := r.client.WriteAndPublishString(r.label, "status", "booting"); err != nil {
		log.Printf("%s: failed to publish status: %v", r.label, err)
	}
}

func (r *redisReporter) Error(err error) {
	log.Printf("%s: upload failed: %v", r.label, err)
	if pubErr := r.client.WriteAndPublishString(r.label, "status", fmt.Sprintf("error: %v", err)); pubErr != nil {
		log.Printf("%s: failed to publish status: %v", r.label, pubErr)
	}
}
