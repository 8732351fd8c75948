package sensor

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pulsedaemon/pulse/internal/clock"
	"github.com/pulsedaemon/pulse/internal/config"
)

// Conversation detects whether the human is actively talking to the agent
// by watching session transcript files. Only substantial transcripts count;
// tiny .jsonl files are tool debris, not conversations.
type Conversation struct {
	cfg    config.ConversationSensorConfig
	clock  clock.Clock
	logger *slog.Logger
}

// NewConversation creates the conversation sensor.
func NewConversation(cfg config.ConversationSensorConfig, clk clock.Clock, logger *slog.Logger) *Conversation {
	return &Conversation{
		cfg:    cfg,
		clock:  clk,
		logger: logger.With("component", "sensor.conversation"),
	}
}

func (c *Conversation) Name() string { return "conversation" }

func (c *Conversation) Initialize(_ context.Context) error { return nil }

func (c *Conversation) Stop() error { return nil }

// Read finds the largest qualifying transcript and reports how long ago it
// changed. The main conversation transcript dwarfs hook and tool debris, so
// size picks the session and its mtime tells whether it is live; a freshly
// touched side file must not read as activity.
func (c *Conversation) Read(_ context.Context) (Reading, error) {
	now := c.clock.Now()

	var largest int64
	var mtime time.Time
	var path string
	for _, dir := range c.cfg.SessionDirs {
		dir = config.ExpandPath(dir)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue // absent session dir is normal
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.Size() < c.cfg.SizeFloorBytes {
				continue
			}
			if info.Size() > largest {
				largest = info.Size()
				mtime = info.ModTime()
				path = filepath.Join(dir, entry.Name())
			}
		}
	}

	payload := map[string]any{"active": false}
	if path != "" {
		since := now.Sub(mtime)
		if since < 0 {
			since = 0
		}
		payload["active"] = since < c.cfg.ActivityThreshold.Std()
		payload["seconds_since_activity"] = int64(since.Seconds())
		payload["transcript"] = path
	}
	return Reading{Payload: payload}, nil
}

// Active interprets a conversation reading.
func Active(r Reading) bool {
	active, _ := r.Payload["active"].(bool)
	return active
}

// SinceActivity returns how long ago the selected transcript changed, and
// whether any transcript was found at all.
func SinceActivity(r Reading) (time.Duration, bool) {
	v, ok := r.Payload["seconds_since_activity"]
	if !ok {
		return 0, false
	}
	switch s := v.(type) {
	case int64:
		return time.Duration(s) * time.Second, true
	case float64:
		return time.Duration(s) * time.Second, true
	default:
		return 0, false
	}
}
