package services

import (
  "regexp"
  "strings"
  "time"

  "github.com/google/uuid"
  "gorm.io/datatypes"

  "github.com/caowijzer/caowijzer-backend/internal/types"
)

// minSegmentChars is the smallest piece worth keeping as its own chunk; CAO
// boilerplate below this gets merged into the surrounding text.
const minSegmentChars = 50

// maxSentenceWindow caps the sentence-window fallback segments.
const maxSentenceWindow = 8

// Dutch agreements mark articles as "Artikel 5", "Art. 5:" or "§ 5". More
// than 3 matches means the document really is article-structured, not a
// coincidental mention.
var articleHeaderRe = regexp.MustCompile(`(?mi)^\s*(artikel|art\.?|§)\s*(\d+[a-z]?)\b`)

type segment struct {
  Text  string
  Start int
  End   int
}

// segmentText splits a raw document into ordered segments. It tries article
// headers first, then blank-line paragraphs, then sentence windows, and never
// returns an empty slice for input longer than minSegmentChars.
func segmentText(text string) []segment {
  text = strings.TrimSpace(text)
  if text == "" {
    return []segment{}
  }

  if segs := articleSegments(text); len(segs) > 0 {
    return segs
  }
  if segs := paragraphSegments(text); len(segs) > 0 {
    return segs
  }
  if segs := sentenceSegments(text); len(segs) > 0 {
    return segs
  }
  return []segment{{Text: text, Start: 0, End: len(text)}}
}

func articleSegments(text string) []segment {
  locs := articleHeaderRe.FindAllStringIndex(text, -1)
  if len(locs) <= 3 {
    return nil
  }
  out := make([]segment, 0, len(locs))
  for i, loc := range locs {
    start := loc[0]
    end := len(text)
    if i+1 < len(locs) {
      end = locs[i+1][0]
    }
    piece := strings.TrimSpace(text[start:end])
    if len(piece) < minSegmentChars {
      // Keep short articles anyway; the header itself is the anchor for the
      // extractor's numbering.
      if piece == "" {
        continue
      }
    }
    out = append(out, segment{Text: piece, Start: start, End: end})
  }
  if len(out) == 0 {
    return nil
  }
  return out
}

// paragraphSegments splits on blank lines. A paragraph running past the
// sentence-window size is windowed internally, so a wall-of-text document
// without blank lines still chunks at retrieval granularity instead of
// becoming one oversized segment.
func paragraphSegments(text string) []segment {
  parts := strings.Split(text, "\n\n")
  out := make([]segment, 0, len(parts))
  offset := 0
  for _, p := range parts {
    trimmed := strings.TrimSpace(p)
    if len(trimmed) >= minSegmentChars {
      start := offset + strings.Index(p, trimmed[:1])
      if windows := sentenceSegments(trimmed); len(windows) > 1 {
        for _, w := range windows {
          out = append(out, segment{Text: w.Text, Start: start + w.Start, End: start + w.End})
        }
      } else {
        out = append(out, segment{Text: trimmed, Start: start, End: start + len(trimmed)})
      }
    }
    offset += len(p) + 2
  }
  if len(out) == 0 {
    return nil
  }
  return out
}

var sentenceEndRe = regexp.MustCompile(`[.!?]\s+`)

func sentenceSegments(text string) []segment {
  sentences := sentenceEndRe.Split(text, -1)
  out := make([]segment, 0)
  var window []string
  start := 0
  consumed := 0
  for _, s := range sentences {
    s = strings.TrimSpace(s)
    if s == "" {
      continue
    }
    window = append(window, s)
    consumed += len(s) + 2
    if len(window) >= maxSentenceWindow {
      piece := strings.Join(window, ". ")
      out = append(out, segment{Text: piece, Start: start, End: consumed})
      window = nil
      start = consumed
    }
  }
  if len(window) > 0 {
    piece := strings.Join(window, ". ")
    if len(piece) >= minSegmentChars || len(out) == 0 {
      out = append(out, segment{Text: piece, Start: start, End: len(text)})
    }
  }
  if len(out) == 0 {
    return nil
  }
  return out
}

// estimateTokens is the ~4 chars/token heuristic used for context budgeting.
func estimateTokens(s string) int {
  if s == "" {
    return 0
  }
  return (len(s) + 3) / 4
}

// chunkDocumentText turns segments into chunk rows, index-ordered.
func chunkDocumentText(documentID uuid.UUID, text string) []*types.DocumentChunk {
  segs := segmentText(text)
  out := make([]*types.DocumentChunk, 0, len(segs))
  now := time.Now()
  for i, s := range segs {
    out = append(out, &types.DocumentChunk{
      ID:         uuid.New(),
      DocumentID: documentID,
      Index:      i,
      Text:       s.Text,
      TokenCount: estimateTokens(s.Text),
      Metadata:   datatypes.JSON(mustJSON(map[string]any{"start": s.Start, "end": s.End})),
      CreatedAt:  now,
      UpdatedAt:  now,
    })
  }
  return out
}
