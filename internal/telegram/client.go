// ABOUTME: Telegram Bot API client over go-telegram-bot-api: getUpdates, sendMessage, sendDocument
// ABOUTME: Implements the ingestion Source and the outbound Sender for the conversation engine

package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/2389/switchboard/internal/ingest"
)

// DefaultAPIURL is the public Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

// DefaultRequestTimeout bounds send calls and is added to the long-poll wait.
const DefaultRequestTimeout = 10 * time.Second

// DefaultPollTimeout is the longest getUpdates wait the client allows.
const DefaultPollTimeout = 30 * time.Second

// maxMessageRunes is the Bot API limit for one text message.
const maxMessageRunes = 4096

// Client talks to the Telegram Bot API.
type Client struct {
	bot            *tgbotapi.BotAPI
	apiURL         string
	httpClient     *http.Client
	requestTimeout time.Duration
	pollTimeout    time.Duration
	logger         *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithAPIURL points the client at a different Bot API server.
func WithAPIURL(apiURL string) Option {
	return func(c *Client) {
		c.apiURL = strings.TrimRight(strings.TrimSpace(apiURL), "/")
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithRequestTimeout sets the timeout for send calls.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithPollTimeout caps the getUpdates wait.
func WithPollTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollTimeout = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client for the bot identified by token. It calls getMe
// to check the token, so an unreachable API or a revoked token fails here.
func NewClient(token string, opts ...Option) (*Client, error) {
	c := &Client{
		apiURL:         DefaultAPIURL,
		httpClient:     &http.Client{},
		requestTimeout: DefaultRequestTimeout,
		pollTimeout:    DefaultPollTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "telegram")

	transport := &deadlineClient{
		client: c.httpClient,
		send:   c.requestTimeout,
		poll:   c.pollTimeout + c.requestTimeout,
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, c.apiURL+"/bot%s/%s", transport)
	if err != nil {
		return nil, fmt.Errorf("telegram getMe: %w", redact(err, token))
	}
	c.bot = bot
	c.logger.Info("telegram bot authorized", "username", bot.Self.UserName)
	return c, nil
}

// GetEvents long-polls getUpdates for updates after the given id.
func (c *Client) GetEvents(ctx context.Context, after int64, maxWait time.Duration, limit int) ([]ingest.Event, error) {
	cfg := tgbotapi.UpdateConfig{
		Limit:          limit,
		Timeout:        int(min(maxWait, c.pollTimeout).Seconds()),
		AllowedUpdates: []string{"message"},
	}
	if after > 0 {
		cfg.Offset = int(after + 1)
	}

	updates, err := call(ctx, func() ([]tgbotapi.Update, error) {
		return c.bot.GetUpdates(cfg)
	})
	if err != nil {
		return nil, fmt.Errorf("telegram getUpdates: %w", c.redact(err))
	}

	events := make([]ingest.Event, 0, len(updates))
	for _, u := range updates {
		events = append(events, ToEvent(u))
	}
	return events, nil
}

// SendMessage delivers text to the chat encoded in externalID. Text longer
// than the API limit is sent as several messages.
func (c *Client) SendMessage(ctx context.Context, externalID, text string) error {
	chatID, err := ParseChatID(externalID)
	if err != nil {
		return err
	}

	for _, chunk := range splitText(text, maxMessageRunes) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		if _, err := call(ctx, func() (tgbotapi.Message, error) { return c.bot.Send(msg) }); err != nil {
			return fmt.Errorf("telegram sendMessage: %w", c.redact(err))
		}
	}
	return nil
}

// SendFile uploads the file at path as a document to the chat in externalID.
func (c *Client) SendFile(ctx context.Context, externalID, path, filename string) error {
	chatID, err := ParseChatID(externalID)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	if filename == "" {
		filename = f.Name()
	}

	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileReader{Name: filename, Reader: f})
	if _, err := call(ctx, func() (tgbotapi.Message, error) { return c.bot.Send(doc) }); err != nil {
		return fmt.Errorf("telegram sendDocument: %w", c.redact(err))
	}
	return nil
}

// SetWebhook registers link as the bot's webhook. Telegram then pushes
// updates there and getUpdates stops returning them.
func (c *Client) SetWebhook(ctx context.Context, link string) error {
	wh, err := tgbotapi.NewWebhook(link)
	if err != nil {
		return fmt.Errorf("parsing webhook url: %w", err)
	}
	if _, err := call(ctx, func() (*tgbotapi.APIResponse, error) { return c.bot.Request(wh) }); err != nil {
		return fmt.Errorf("telegram setWebhook: %w", c.redact(err))
	}
	return nil
}

// IsAPIError reports whether err is a Bot API reply with ok=false, and returns it.
func IsAPIError(err error) (*tgbotapi.Error, bool) {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

func (c *Client) redact(err error) error {
	return redact(err, c.bot.Token)
}

// redact removes the bot token from transport errors, which embed the URL.
func redact(err error, token string) error {
	var urlErr *url.Error
	if token != "" && errors.As(err, &urlErr) {
		urlErr.URL = strings.ReplaceAll(urlErr.URL, token, "<token>")
	}
	return err
}

// call runs fn and returns early when ctx ends. The bot library takes no
// context; an abandoned call still ends at its transport deadline.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// deadlineClient bounds every Bot API request. getUpdates gets the long-poll
// wait on top of the send timeout.
type deadlineClient struct {
	client *http.Client
	send   time.Duration
	poll   time.Duration
}

func (d *deadlineClient) Do(req *http.Request) (*http.Response, error) {
	timeout := d.send
	if strings.HasSuffix(req.URL.Path, "/getUpdates") {
		timeout = d.poll
	}

	ctx, cancel := context.WithTimeout(req.Context(), timeout)
	resp, err := d.client.Do(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// splitText cuts s into pieces of at most n runes.
func splitText(s string, n int) []string {
	runes := []rune(s)
	if len(runes) <= n {
		return []string{s}
	}

	var chunks []string
	for len(runes) > 0 {
		end := min(n, len(runes))
		chunks = append(chunks, string(runes[:end]))
		runes = runes[end:]
	}
	return chunks
}
