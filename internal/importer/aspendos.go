// Package importer loads conversation exports into the fallback store as
// pending memories. The reconciler embeds them into the primary store later,
// so an import never depends on the vector store being reachable.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/scrypster/mnemos/internal/storage"
	"github.com/scrypster/mnemos/pkg/types"
)

// FormatAspendosV1 is the only export format the importer understands.
const FormatAspendosV1 = "aspendos-memory-v1"

// ErrUnsupportedFormat is returned when the export's _meta.format is missing
// or unknown.
var ErrUnsupportedFormat = errors.New("importer: unsupported export format")

// importNamespace scopes deterministic import IDs.
var importNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://mnemos.dev/import/aspendos-memory-v1"))

// Export is the decoded aspendos-memory-v1 document.
type Export struct {
	Meta          Meta           `json:"_meta"`
	Conversations []Conversation `json:"conversations"`
	Chunks        []Chunk        `json:"chunks"`
}

// Meta describes the export file.
type Meta struct {
	Format      string `json:"format"`
	Generator   string `json:"generator,omitempty"`
	GeneratedAt string `json:"generated_at,omitempty"`
	ChunkSize   int    `json:"chunk_size,omitempty"`
}

// Conversation holds per-conversation metadata.
type Conversation struct {
	ID        string   `json:"id"`
	Source    string   `json:"source"`
	Title     string   `json:"title"`
	CreatedAt string   `json:"created_at"`
	Tags      []string `json:"tags"`
}

// Chunk is one pre-split segment of a conversation.
type Chunk struct {
	ChunkID        string   `json:"chunk_id"`
	ConversationID string   `json:"conversation_id"`
	Text           string   `json:"text"`
	MessageIDs     []string `json:"message_ids"`
	Tags           []string `json:"tags"`
	TokenEstimate  int      `json:"token_estimate"`
}

// Report summarizes an import.
type Report struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`

	// Existing counts records left alone because a memory with the same ID
	// already lives in the primary store.
	Existing int `json:"existing"`
}

// PrimaryIndex reports which memory IDs are already stored in the primary
// vector store.
type PrimaryIndex interface {
	InPrimary(ctx context.Context, ids ...string) (map[string]bool, error)
}

// Option configures an Importer.
type Option func(*Importer)

// WithMaxContentLength splits chunk text longer than n characters into
// several records. Zero disables splitting.
func WithMaxContentLength(n int) Option {
	return func(im *Importer) { im.maxContentLength = n }
}

// WithPrimaryIndex makes the importer skip records that were already
// reconciled into the primary store, so a re-import never shadows a
// reconciled (and possibly edited) memory with its original text.
func WithPrimaryIndex(index PrimaryIndex) Option {
	return func(im *Importer) { im.index = index }
}

// WithLogger sets the importer's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(im *Importer) { im.logger = logger }
}

// Importer writes export chunks into a fallback store.
type Importer struct {
	store            storage.FallbackStore
	index            PrimaryIndex
	maxContentLength int
	logger           zerolog.Logger
}

// New creates an importer writing to store.
func New(store storage.FallbackStore, opts ...Option) *Importer {
	im := &Importer{
		store:            store,
		maxContentLength: 8000,
		logger:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// ImportFile imports the export at path for userID.
func (im *Importer) ImportFile(ctx context.Context, userID, path string) (Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return Report{}, fmt.Errorf("importer: open export: %w", err)
	}
	defer f.Close()
	return im.Import(ctx, userID, f)
}

// Import decodes an export from r and stores every non-empty chunk as a
// pending fallback record owned by userID. Records get deterministic IDs, so
// importing the same export twice overwrites rather than duplicates.
func (im *Importer) Import(ctx context.Context, userID string, r io.Reader) (Report, error) {
	var report Report
	if strings.TrimSpace(userID) == "" {
		return report, fmt.Errorf("%w: user ID is required", storage.ErrInvalidInput)
	}

	export, err := Decode(r)
	if err != nil {
		return report, err
	}

	conversations := make(map[string]Conversation, len(export.Conversations))
	for _, c := range export.Conversations {
		conversations[c.ID] = c
	}

	for _, chunk := range export.Chunks {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		text := strings.TrimSpace(chunk.Text)
		if text == "" || chunk.ChunkID == "" {
			report.Skipped++
			continue
		}

		conv, known := conversations[chunk.ConversationID]
		if !known {
			im.logger.Debug().
				Str("conversation_id", chunk.ConversationID).
				Str("chunk_id", chunk.ChunkID).
				Msg("chunk references an unknown conversation")
		}

		parts := splitContent(text, im.maxContentLength)
		records := make([]*types.Memory, len(parts))
		for i, part := range parts {
			records[i] = im.record(userID, conv, chunk, part, i, len(parts))
		}
		existing := im.inPrimary(ctx, records)

		for _, memory := range records {
			if existing[memory.ID] {
				if err := im.store.Delete(ctx, memory.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
					return report, fmt.Errorf("importer: drop superseded record %s: %w", memory.ID, err)
				}
				report.Existing++
				continue
			}
			if err := im.store.Write(ctx, memory); err != nil {
				return report, fmt.Errorf("importer: write chunk %s: %w", chunk.ChunkID, err)
			}
			report.Imported++
		}
	}

	im.logger.Info().
		Str("user_id", userID).
		Int("imported", report.Imported).
		Int("skipped", report.Skipped).
		Int("existing", report.Existing).
		Msg("import complete")
	return report, nil
}

// inPrimary looks the records up in the primary index. Without an index, or
// when the lookup fails, every record is written; the reconciler drops
// pending rows whose ID already lives in the primary store.
func (im *Importer) inPrimary(ctx context.Context, records []*types.Memory) map[string]bool {
	if im.index == nil {
		return nil
	}
	ids := make([]string, len(records))
	for i, m := range records {
		ids[i] = m.ID
	}
	found, err := im.index.InPrimary(ctx, ids...)
	if err != nil {
		im.logger.Warn().Err(err).Msg("primary lookup failed, importing without it")
		return nil
	}
	return found
}

// Decode reads and validates an aspendos-memory-v1 document.
func Decode(r io.Reader) (*Export, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("importer: read export: %w", err)
	}
	var export Export
	if err := sonic.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("importer: decode export: %w", err)
	}
	if export.Meta.Format != FormatAspendosV1 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, export.Meta.Format)
	}
	return &export, nil
}

func (im *Importer) record(userID string, conv Conversation, chunk Chunk, content string, part, parts int) *types.Memory {
	tags := chunk.Tags
	if len(tags) == 0 {
		tags = conv.Tags
	}

	metadata := map[string]interface{}{
		"conversation_id": chunk.ConversationID,
		"chunk_id":        chunk.ChunkID,
		"token_estimate":  chunk.TokenEstimate,
	}
	if conv.Title != "" {
		metadata["conversation_title"] = conv.Title
	}
	if conv.Source != "" {
		metadata["origin"] = conv.Source
	}
	if len(tags) > 0 {
		metadata["tags"] = tags
	}
	if len(chunk.MessageIDs) > 0 {
		metadata["message_ids"] = chunk.MessageIDs
	}
	if parts > 1 {
		metadata["part"] = part
		metadata["parts"] = parts
	}

	return &types.Memory{
		ID:        RecordID(userID, chunk.ConversationID, chunk.ChunkID, part),
		UserID:    userID,
		Content:   content,
		Source:    types.SourceImportPending,
		Metadata:  metadata,
		CreatedAt: parseTimestamp(conv.CreatedAt),
	}
}

// RecordID derives the stable ID of one imported record.
func RecordID(userID, conversationID, chunkID string, part int) string {
	name := fmt.Sprintf("%s\x00%s\x00%s\x00%d", userID, conversationID, chunkID, part)
	return uuid.NewSHA1(importNamespace, []byte(name)).String()
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseTimestamp accepts RFC 3339 and naive ISO 8601 timestamps, the latter
// read as UTC. Unparseable values yield the zero time.
func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// splitContent breaks text into pieces of at most max characters, cutting
// on paragraph boundaries where possible.
func splitContent(text string, max int) []string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return []string{text}
	}

	var parts []string
	var current strings.Builder
	currentLen := 0
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			parts = append(parts, s)
		}
		current.Reset()
		currentLen = 0
	}

	for _, para := range strings.Split(text, "\n\n") {
		n := utf8.RuneCountInString(para)
		if currentLen > 0 && currentLen+2+n > max {
			flush()
		}
		for n > max {
			runes := []rune(para)
			if currentLen > 0 {
				flush()
			}
			parts = append(parts, string(runes[:max]))
			para = string(runes[max:])
			n -= max
		}
		if currentLen > 0 {
			current.WriteString("\n\n")
			currentLen += 2
		}
		current.WriteString(para)
		currentLen += n
	}
	flush()
	return parts
}
