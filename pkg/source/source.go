// Package source delivers job identifiers from the notification transports.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/imalyk/go-video-transcoder/pkg/job"
)

var (
	// ErrClosed is returned by Next once the source has been closed.
	ErrClosed = errors.New("source closed")
	// ErrMalformedEvent marks payloads that can never become a job.
	ErrMalformedEvent = errors.New("malformed event")
)

// Source blocks until a job id is available. Transient transport errors are
// retried internally; Next only fails when ctx is done or the source closed.
type Source interface {
	Next(ctx context.Context) (job.Ref, error)
	Close() error
}

const (
	TransportKafka  = "kafka"
	TransportSocket = "socket"
	TransportRedis  = "redis"
)

type objectKey struct {
	Key string `json:"key"`
}

// objectEvent covers the S3/MinIO "object created" notification as well as
// the flatter shape older producers emit.
type objectEvent struct {
	Records []struct {
		S3 *struct {
			Object *objectKey `json:"object"`
		} `json:"s3"`
		Object *objectKey `json:"object"`
	} `json:"Records"`
}

// ExtractJobID decodes an object-created event and derives the job id from
// the object key by stripping prefix.
func ExtractJobID(payload []byte, prefix string) (string, error) {
	var evt objectEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if len(evt.Records) == 0 {
		return "", fmt.Errorf("%w: no records", ErrMalformedEvent)
	}
	rec := evt.Records[0]
	var key string
	switch {
	case rec.S3 != nil && rec.S3.Object != nil && rec.S3.Object.Key != "":
		key = rec.S3.Object.Key
	case rec.Object != nil && rec.Object.Key != "":
		key = rec.Object.Key
	default:
		return "", fmt.Errorf("%w: object key missing", ErrMalformedEvent)
	}
	return JobIDFromKey(key, prefix)
}

// JobIDFromKey unescapes an event object key and removes the bucket prefix.
func JobIDFromKey(key, prefix string) (string, error) {
	unescaped, err := url.QueryUnescape(key)
	if err != nil {
		return "", fmt.Errorf("%w: key %q: %v", ErrMalformedEvent, key, err)
	}
	id := strings.TrimLeft(strings.TrimPrefix(unescaped, prefix), "/")
	if err := job.ValidateID(id); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return id, nil
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
