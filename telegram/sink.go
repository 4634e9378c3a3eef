// Package telegram delivers attachments to chats and answers bot commands.
package telegram

import (
	"context"
	"errors"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/dhcgn/mail-to-telegram/model"
)

// MaxCaptionRunes is the platform limit for document captions.
const MaxCaptionRunes = 1024

// Sender is the part of *tgbotapi.BotAPI used for outgoing messages.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type SinkOptions struct {
	// RatePerSecond caps outgoing sends; zero disables the limit.
	RatePerSecond float64
	// TripAfter consecutive transport failures open the breaker.
	TripAfter uint32
	// OpenFor is how long the breaker stays open before probing again.
	OpenFor time.Duration
}

// Sink sends one attachment to one chat per call.
type Sink struct {
	api     Sender
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

func NewSink(api Sender, opts SinkOptions, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	if opts.TripAfter == 0 {
		opts.TripAfter = 5
	}
	if opts.OpenFor <= 0 {
		opts.OpenFor = 30 * time.Second
	}

	s := &Sink{
		api:     api,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "telegram",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     opts.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.TripAfter
		},
		IsSuccessful: isHealthy,
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return s
}

// Send delivers data as a document named filename. Every failure is a
// *model.DeliveryError.
func (s *Sink) Send(ctx context.Context, target model.Target, filename string, data []byte, caption string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return &model.DeliveryError{Target: target, Filename: filename, Err: err}
	}

	doc := tgbotapi.NewDocument(int64(target), tgbotapi.FileBytes{Name: filename, Bytes: data})
	doc.Caption = TruncateCaption(caption)

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return s.api.Send(doc)
	})
	if err != nil {
		return &model.DeliveryError{Target: target, Filename: filename, Err: err}
	}

	s.logger.Debug("document sent", "target", int64(target), "filename", filename, "bytes", len(data))
	return nil
}

// isHealthy separates recipient-specific API rejections (blocked bot,
// unknown chat) from failures of the platform itself. Only the latter
// count towards opening the breaker.
func isHealthy(err error) bool {
	if err == nil {
		return true
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != 429
	}
	return false
}

// TruncateCaption limits s to MaxCaptionRunes runes.
func TruncateCaption(s string) string {
	runes := []rune(s)
	if len(runes) <= MaxCaptionRunes {
		return s
	}
	return string(runes[:MaxCaptionRunes-1]) + "…"
}
