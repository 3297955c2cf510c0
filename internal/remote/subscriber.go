package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/tonimelisma/notesync/internal/entity"
	"github.com/tonimelisma/notesync/internal/signal"
)

// maxFrameBytes bounds one push frame.
const maxFrameBytes = 1 << 20

// ErrUnknownFrame is returned by DecodeFrame for frame types this client
// does not understand. Subscribers skip such frames.
var ErrUnknownFrame = errors.New("remote: unknown push frame")

// Frame is one push notification as sent over the websocket.
type Frame struct {
	Type           string    `json:"type"`
	PageLocalID    string    `json:"pageLocalId,omitempty"`
	PageID         string    `json:"pageId,omitempty"`
	PartialID      string    `json:"partialId,omitempty"`
	ContainerURL   string    `json:"containerUrl,omitempty"`
	Title          string    `json:"title,omitempty"`
	Preview        string    `json:"preview,omitempty"`
	WebURL         string    `json:"webUrl,omitempty"`
	LastModifiedAt time.Time `json:"lastModifiedAt"`
	SectionLocalID string    `json:"sectionLocalId,omitempty"`
	SectionID      string    `json:"sectionId,omitempty"`
	SectionName    string    `json:"sectionName,omitempty"`
}

// DecodeFrame parses a push frame into a signal.
func DecodeFrame(b []byte) (signal.Signal, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("remote: decoding push frame: %w", err)
	}

	switch f.Type {
	case "pageChanged":
		return signal.PageChanged{PageLocalID: f.PageLocalID, PageSourceID: f.sourceID(), Metadata: f.metadata()}, nil
	case "appendPage":
		return signal.AppendPageIfNeeded{PageLocalID: f.PageLocalID, PageSourceID: f.sourceID(), Metadata: f.metadata()}, nil
	case "pageDeleted":
		return signal.PageDeleted{PageLocalID: f.PageLocalID, PageSourceID: f.sourceID()}, nil
	case "sectionChanged":
		return signal.SectionChanged{SectionLocalID: f.SectionLocalID, SectionSourceID: f.SectionID, NewName: f.SectionName}, nil
	case "sectionDeleted":
		return signal.SectionDeleted{SectionLocalID: f.SectionLocalID, SectionSourceID: f.SectionID}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, f.Type)
	}
}

func (f *Frame) sourceID() entity.SourceID {
	switch {
	case f.PageID != "":
		return entity.FullSourceID{ID: f.PageID}
	case f.PartialID != "":
		return entity.PartialSourceID{PartialID: f.PartialID, ContainerURL: f.ContainerURL}
	default:
		return nil
	}
}

func (f *Frame) metadata() signal.PageMetadata {
	m := signal.PageMetadata{
		Title:           f.Title,
		Preview:         f.Preview,
		WebURL:          f.WebURL,
		SectionLocalID:  f.SectionLocalID,
		SectionSourceID: f.SectionID,
		SectionName:     f.SectionName,
	}

	if !f.LastModifiedAt.IsZero() {
		m.LastModifiedAt = f.LastModifiedAt.UnixNano()
	}

	return m
}

// Subscriber keeps a websocket open to the push endpoint and hands every
// decoded signal to a callback, reconnecting with backoff.
type Subscriber struct {
	url    string
	token  TokenSource
	logger *slog.Logger

	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewSubscriber creates a subscriber for the given ws:// or wss:// URL.
func NewSubscriber(pushURL string, token TokenSource, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}

	return &Subscriber{url: pushURL, token: token, logger: logger, sleepFunc: timeSleep}
}

// Run delivers signals to handle until ctx is canceled. A handler error is
// logged and does not close the connection.
func (s *Subscriber) Run(ctx context.Context, handle func(context.Context, signal.Signal) error) error {
	var attempt int

	for {
		connected, err := s.listen(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if connected {
			attempt = 0
		}

		backoff := calcBackoff(attempt)
		s.logger.Warn("push connection lost",
			slog.String("url", s.url),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
			slog.String("error", errString(err)),
		)

		if sleepErr := s.sleepFunc(ctx, backoff); sleepErr != nil {
			return sleepErr
		}

		attempt++
	}
}

// listen runs one connection. connected reports whether the dial succeeded.
func (s *Subscriber) listen(ctx context.Context, handle func(context.Context, signal.Signal) error) (bool, error) {
	tok, err := s.token.Token()
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrToken, err)
	}

	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok)

	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		return false, fmt.Errorf("remote: dialing %s: %w", s.url, err)
	}
	defer conn.CloseNow()

	conn.SetReadLimit(maxFrameBytes)
	s.logger.Info("push connection established", slog.String("url", s.url))

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return true, fmt.Errorf("remote: reading push frame: %w", err)
		}

		if typ != websocket.MessageText {
			continue
		}

		sig, err := DecodeFrame(data)
		if err != nil {
			s.logger.Warn("skipping push frame", slog.String("error", err.Error()))
			continue
		}

		if err := handle(ctx, sig); err != nil {
			s.logger.Warn("push signal not applied",
				slog.String("signal", sig.Name()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
