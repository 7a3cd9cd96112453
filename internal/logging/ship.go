package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"mailrelay/internal/external"
	"mailrelay/internal/types"
)

// ShipConfig configures remote log shipping.
type ShipConfig struct {
	URL       string
	Token     types.SecretString
	Env       string
	MaxBuffer int
}

// Shipper buffers log records in memory and posts them as one JSON array per
// Flush. It never reports failures to callers; they are written to Stderr.
type Shipper struct {
	cfg    ShipConfig
	client *external.BaseClient
	clock  types.Clock

	mu      sync.Mutex
	entries []map[string]any
	dropped int

	// Stderr receives shipping failures. Defaults to os.Stderr.
	Stderr io.Writer
}

// NewShipper creates a Shipper posting through client.
func NewShipper(cfg ShipConfig, client *external.BaseClient) *Shipper {
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = 500
	}
	return &Shipper{
		cfg:    cfg,
		client: client,
		clock:  types.RealClock{},
		Stderr: os.Stderr,
	}
}

// Handler returns a slog.Handler that forwards to next and also buffers each
// record that next accepts.
func (s *Shipper) Handler(next slog.Handler) slog.Handler {
	return &shipHandler{next: next, shipper: s}
}

func (s *Shipper) add(entry map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) >= s.cfg.MaxBuffer {
		s.dropped++
		return
	}
	s.entries = append(s.entries, entry)
}

func (s *Shipper) drain() ([]map[string]any, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, dropped := s.entries, s.dropped
	s.entries, s.dropped = nil, 0
	return entries, dropped
}

// Flush posts buffered records. The buffer is emptied even when the post fails.
func (s *Shipper) Flush(ctx context.Context) {
	entries, dropped := s.drain()
	if dropped > 0 {
		fmt.Fprintf(s.Stderr, "log shipping: buffer full, dropped %d records\n", dropped)
	}
	if len(entries) == 0 {
		return
	}

	body, err := json.Marshal(entries)
	if err != nil {
		fmt.Fprintf(s.Stderr, "log shipping: encode %d records: %v\n", len(entries), err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(s.Stderr, "log shipping: build request: %v\n", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.Token.Unmask())

	resp, err := s.client.Do(req)
	if err != nil {
		fmt.Fprintf(s.Stderr, "log shipping: post %d records: %v\n", len(entries), err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		fmt.Fprintf(s.Stderr, "log shipping: collector returned %d: %s\n", resp.StatusCode, snippet)
	}
}

type groupedAttr struct {
	groups []string
	attr   slog.Attr
}

type shipHandler struct {
	next    slog.Handler
	shipper *Shipper
	attrs   []groupedAttr
	groups  []string
}

func (h *shipHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *shipHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := map[string]any{
		"dt":      r.Time.UTC().Format(time.RFC3339Nano),
		"level":   levelName(r.Level),
		"message": r.Message,
		"env":     h.shipper.cfg.Env,
	}
	if r.Time.IsZero() {
		entry["dt"] = h.shipper.clock.Now().Format(time.RFC3339Nano)
	}
	for _, ga := range h.attrs {
		putAttr(entry, ga.groups, ga.attr)
	}
	r.Attrs(func(a slog.Attr) bool {
		putAttr(entry, h.groups, a)
		return true
	})
	h.shipper.add(entry)
	return h.next.Handle(ctx, r)
}

func (h *shipHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	nh.next = h.next.WithAttrs(attrs)
	for _, a := range attrs {
		nh.attrs = append(nh.attrs, groupedAttr{groups: h.groups, attr: a})
	}
	return nh
}

func (h *shipHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := h.clone()
	nh.next = h.next.WithGroup(name)
	nh.groups = append(append([]string(nil), h.groups...), name)
	return nh
}

func (h *shipHandler) clone() *shipHandler {
	return &shipHandler{
		next:    h.next,
		shipper: h.shipper,
		attrs:   append([]groupedAttr(nil), h.attrs...),
		groups:  h.groups,
	}
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warn"
	case l >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}

// putAttr writes a into the nested map addressed by groups.
func putAttr(dst map[string]any, groups []string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	for _, g := range groups {
		child, ok := dst[g].(map[string]any)
		if !ok {
			child = make(map[string]any)
			dst[g] = child
		}
		dst = child
	}

	if a.Value.Kind() == slog.KindGroup {
		target := dst
		if a.Key != "" {
			target = make(map[string]any)
			dst[a.Key] = target
		}
		for _, ga := range a.Value.Group() {
			putAttr(target, nil, ga)
		}
		return
	}
	dst[a.Key] = attrValue(a.Value)
}

func attrValue(v slog.Value) any {
	switch v.Kind() {
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindAny:
		switch x := v.Any().(type) {
		case error:
			return map[string]any{"message": x.Error()}
		case fmt.Stringer:
			return x.String()
		}
	}
	return v.Any()
}
