package audit

import (
	"context"
	"log"
	"time"
)

// Config selects where audit events go.
type Config struct {
	Enabled  bool
	Endpoint string // optional HTTP collector
	Dir      string // local copies and chain heads
}

// Emitter records audit events. Implementations are safe for sequential use
// by one driver.
type Emitter interface {
	Emit(ctx context.Context, evt Event) error
	Close() error
}

// NewEmitter creates an appropriate emitter based on configuration.
func NewEmitter(cfg Config) Emitter {
	if !cfg.Enabled {
		log.Println("[audit] disabled, using no-op emitter")
		return Noop()
	}

	if cfg.Endpoint != "" {
		emitter, err := NewHTTPEmitter(cfg)
		if err != nil {
			log.Printf("[audit] failed to create HTTP emitter: %v, falling back to file-only", err)
			return createFileOnlyEmitter(cfg)
		}
		log.Printf("[audit] using HTTP emitter -> %s", cfg.Endpoint)
		return &httpEmitterWrapper{emitter: emitter}
	}

	return createFileOnlyEmitter(cfg)
}

func createFileOnlyEmitter(cfg Config) Emitter {
	emitter, err := NewFileOnlyEmitter(cfg.Dir)
	if err != nil {
		log.Printf("[audit] failed to create file emitter: %v, using no-op", err)
		return Noop()
	}
	log.Printf("[audit] using file-only emitter -> %s", cfg.Dir)
	return &fileOnlyEmitterWrapper{emitter: emitter}
}

type httpEmitterWrapper struct {
	emitter *HTTPEmitter
}

func (w *httpEmitterWrapper) Emit(ctx context.Context, evt Event) error {
	return w.emitter.Emit(ctx, &evt)
}

func (w *httpEmitterWrapper) Close() error {
	return w.emitter.Close()
}

type fileOnlyEmitterWrapper struct {
	emitter *FileOnlyEmitter
}

func (w *fileOnlyEmitterWrapper) Emit(_ context.Context, evt Event) error {
	return w.emitter.Emit(&evt)
}

func (w *fileOnlyEmitterWrapper) Close() error {
	return w.emitter.Close()
}

// prepare fills the envelope fields of an event about to be linked.
func prepare(evt *Event) {
	evt.Version = eventVersion
	evt.EventID = GenerateEventID()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
}

// Noop returns an emitter that discards all events.
func Noop() Emitter {
	return noopEmitter{}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, Event) error {
	return nil
}

func (noopEmitter) Close() error {
	return nil
}
