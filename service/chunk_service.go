package service

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/docverse/docsim-be/types"
)

// ChunkService turns extracted pages into bounded chunks. Paragraphs are the
// preferred unit: consecutive paragraphs are packed greedily up to the max
// character budget. When a document carries no paragraph structure the
// service falls back to sentence grouping over the raw page text.
type ChunkService struct {
	minChunkChars     int
	maxChunkChars     int
	sentencesPerChunk int
	sentenceOverlap   int
}

func NewChunkService(minChunkChars, maxChunkChars, sentencesPerChunk, sentenceOverlap int) *ChunkService {
	if maxChunkChars <= 0 {
		maxChunkChars = 2000
	}
	if minChunkChars < 0 {
		minChunkChars = 0
	}
	if sentencesPerChunk <= 0 {
		sentencesPerChunk = 8
	}
	if sentenceOverlap < 0 || sentenceOverlap >= sentencesPerChunk {
		sentenceOverlap = 0
	}
	return &ChunkService{
		minChunkChars:     minChunkChars,
		maxChunkChars:     maxChunkChars,
		sentencesPerChunk: sentencesPerChunk,
		sentenceOverlap:   sentenceOverlap,
	}
}

// chunkDraft accumulates one chunk before it is finalized.
type chunkDraft struct {
	parts     []string
	chars     int
	startPage int
	endPage   int
}

func (d *chunkDraft) add(text string, page int) {
	d.parts = append(d.parts, text)
	d.chars += len(text)
	if d.startPage == 0 || page < d.startPage {
		d.startPage = page
	}
	if page > d.endPage {
		d.endPage = page
	}
}

func (d *chunkDraft) empty() bool { return len(d.parts) == 0 }

// ChunkDocument produces the chunk rows for a document. Indices are dense,
// starting at 0, in reading order.
func (s *ChunkService) ChunkDocument(documentID string, pages []types.ExtractedPage) []*types.Chunk {
	paragraphs := collectParagraphs(pages)
	var drafts []chunkDraft
	if len(paragraphs) > 0 {
		drafts = s.packParagraphs(paragraphs)
	} else {
		drafts = s.packSentences(pages)
	}
	return s.finalize(documentID, drafts)
}

func collectParagraphs(pages []types.ExtractedPage) []types.Paragraph {
	var out []types.Paragraph
	for _, page := range pages {
		out = append(out, page.Paragraphs...)
	}
	return out
}

// packParagraphs packs consecutive paragraphs greedily up to the character
// budget. A single paragraph larger than the budget becomes its own chunk
// rather than being split mid-paragraph.
func (s *ChunkService) packParagraphs(paragraphs []types.Paragraph) []chunkDraft {
	var drafts []chunkDraft
	var current chunkDraft

	flush := func() {
		if !current.empty() {
			drafts = append(drafts, current)
			current = chunkDraft{}
		}
	}

	for _, p := range paragraphs {
		text := strings.TrimSpace(p.Text)
		if text == "" {
			continue
		}
		if len(text) > s.maxChunkChars {
			flush()
			oversize := chunkDraft{}
			oversize.add(text, p.Page)
			drafts = append(drafts, oversize)
			continue
		}
		if !current.empty() && current.chars+len(text)+1 > s.maxChunkChars {
			flush()
		}
		current.add(text, p.Page)
	}
	flush()
	return s.mergeSmallDrafts(drafts)
}

// mergeSmallDrafts folds any draft below the minimum into its neighbor, so a
// fragment flushed ahead of a large paragraph never stands alone mid-document.
// A merged chunk may exceed the budget the same way an oversize paragraph does.
func (s *ChunkService) mergeSmallDrafts(drafts []chunkDraft) []chunkDraft {
	if s.minChunkChars <= 0 || len(drafts) < 2 {
		return drafts
	}
	out := drafts[:0]
	for _, d := range drafts {
		if len(out) == 0 || d.chars >= s.minChunkChars {
			out = append(out, d)
			continue
		}
		prev := &out[len(out)-1]
		prev.parts = append(prev.parts, d.parts...)
		prev.chars += d.chars
		if d.startPage != 0 && (prev.startPage == 0 || d.startPage < prev.startPage) {
			prev.startPage = d.startPage
		}
		if d.endPage > prev.endPage {
			prev.endPage = d.endPage
		}
	}
	// A leading fragment has no previous chunk; it rides along with the next.
	if len(out) > 1 && out[0].chars < s.minChunkChars {
		first, second := out[0], out[1]
		merged := chunkDraft{
			parts:     append(first.parts, second.parts...),
			chars:     first.chars + second.chars,
			startPage: first.startPage,
			endPage:   second.endPage,
		}
		if merged.startPage == 0 || (second.startPage != 0 && second.startPage < merged.startPage) {
			merged.startPage = second.startPage
		}
		if first.endPage > merged.endPage {
			merged.endPage = first.endPage
		}
		out[1] = merged
		out = out[1:]
	}
	return out
}

var sentenceEndRe = regexp.MustCompile(`[.!?][)\"']*\s+`)

// splitSentences splits text at sentence boundaries, keeping the terminator
// with the sentence.
func splitSentences(text string) []string {
	var sentences []string
	rest := text
	for {
		loc := sentenceEndRe.FindStringIndex(rest)
		if loc == nil {
			break
		}
		sentence := strings.TrimSpace(rest[:loc[1]])
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		rest = rest[loc[1]:]
	}
	if tail := strings.TrimSpace(rest); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

// packSentences is the fallback for documents without paragraph structure:
// sentences are grouped with a sliding overlap, and pages are recovered from
// a character-offset table built over the concatenated page text.
func (s *ChunkService) packSentences(pages []types.ExtractedPage) []chunkDraft {
	type pageSpan struct {
		start int
		end   int
		page  int
	}

	var full strings.Builder
	var spans []pageSpan
	for _, page := range pages {
		text := strings.TrimSpace(page.Text)
		if text == "" {
			continue
		}
		start := full.Len()
		full.WriteString(text)
		full.WriteString("\n")
		spans = append(spans, pageSpan{start: start, end: full.Len(), page: page.Number})
	}
	text := full.String()
	if strings.TrimSpace(text) == "" {
		return nil
	}

	pageAt := func(offset int) int {
		for _, span := range spans {
			if offset >= span.start && offset < span.end {
				return span.page
			}
		}
		if len(spans) > 0 {
			return spans[len(spans)-1].page
		}
		return 1
	}

	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	// Track each sentence's starting offset in the concatenated text.
	offsets := make([]int, len(sentences))
	cursor := 0
	for i, sentence := range sentences {
		idx := strings.Index(text[cursor:], sentence)
		if idx < 0 {
			offsets[i] = cursor
			continue
		}
		offsets[i] = cursor + idx
		cursor = offsets[i] + len(sentence)
	}

	step := s.sentencesPerChunk - s.sentenceOverlap
	var drafts []chunkDraft
	for begin := 0; begin < len(sentences); begin += step {
		end := begin + s.sentencesPerChunk
		if end > len(sentences) {
			end = len(sentences)
		}
		draft := chunkDraft{}
		for i := begin; i < end; i++ {
			draft.add(sentences[i], pageAt(offsets[i]))
		}
		drafts = append(drafts, draft)
		if end == len(sentences) {
			break
		}
	}
	return drafts
}

func (s *ChunkService) finalize(documentID string, drafts []chunkDraft) []*types.Chunk {
	now := time.Now().Unix()
	chunks := make([]*types.Chunk, 0, len(drafts))
	for i, draft := range drafts {
		text := strings.Join(draft.parts, "\n")
		startPage := draft.startPage
		if startPage == 0 {
			startPage = 1
		}
		endPage := draft.endPage
		if endPage < startPage {
			endPage = startPage
		}
		chunks = append(chunks, &types.Chunk{
			ID:             fmt.Sprintf("%s_chunk_%d", documentID, i),
			DocumentID:     documentID,
			Index:          i,
			Text:           text,
			CharacterCount: len(text),
			StartPage:      startPage,
			EndPage:        endPage,
			CreatedAt:      now,
		})
	}
	return chunks
}
