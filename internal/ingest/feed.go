package ingest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"soaring_tracker/internal/metrics"
)

const feedBuffer = 8192

// Feed subscribes to position reports on a NATS subject.
type Feed struct {
	URL     string
	Subject string
	Log     *slog.Logger
}

// Run connects and submits every report received until ctx is done. The
// connection reconnects indefinitely.
func (f Feed) Run(ctx context.Context, in *Ingestor) error {
	log := f.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "feed"), slog.String("subject", f.Subject))

	nc, err := nats.Connect(f.URL,
		nats.Name("soaring-tracker"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("feed disconnected", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("feed reconnected", slog.String("url", c.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info("feed closed")
		}),
	)
	if err != nil {
		return err
	}
	defer nc.Close()

	ch := make(chan *nats.Msg, feedBuffer)
	sub, err := nc.ChanSubscribe(f.Subject, ch)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()
	log.Info("feed subscribed", slog.String("url", f.URL))

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			submit(ctx, in, msg.Data, log)
		}
	}
}

// ReadLines submits one JSON report per line of r, for replaying a captured
// feed. It returns the number of lines read.
func ReadLines(ctx context.Context, r io.Reader, in *Ingestor, log *slog.Logger) (int, error) {
	if log == nil {
		log = slog.Default()
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	n := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		n++
		if err := ctx.Err(); err != nil {
			return n, err
		}
		submit(ctx, in, []byte(line), log)
	}
	return n, scanner.Err()
}

func submit(ctx context.Context, in *Ingestor, data []byte, log *slog.Logger) {
	r, err := Decode(data)
	if err != nil {
		metrics.ReportsTotal.WithLabelValues("malformed").Inc()
		log.Debug("undecodable report", slog.Any("error", err))
		return
	}
	if err := in.Submit(ctx, r); err != nil && !errors.Is(err, context.Canceled) {
		log.Debug("report rejected", slog.Any("error", err))
	}
}
